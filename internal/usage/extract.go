package usage

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opscost/opscost/pkg/models"
)

// Accepted key aliases per logical field, in priority order.
var (
	modelKeys      = []string{"model", "modelName", "model_name", "llmModel", "model_id"}
	providerKeys   = []string{"provider", "vendor", "service"}
	inputKeys      = []string{"inputTokens", "input_tokens", "promptTokens", "prompt_tokens", "uncached_input_tokens", "native_tokens_prompt"}
	outputKeys     = []string{"outputTokens", "output_tokens", "completionTokens", "completion_tokens", "native_tokens_completion"}
	cacheReadKeys  = []string{"cacheReadTokens", "cache_read_tokens", "cacheRead", "cache_read_input_tokens", "cachedTokens", "cached_tokens"}
	cacheWriteKeys = []string{"cacheWriteTokens", "cache_write_tokens", "cacheWrite", "cache_creation_input_tokens", "cacheCreationTokens"}
	totalKeys      = []string{"totalTokens", "total_tokens", "tokens"}
	costKeys       = []string{"cost", "usdCost", "totalCost", "total_cost", "amountUsd", "priceUsd", "costUsd", "cost_usd", "usage"}
	dateKeys       = []string{"date", "day", "timestamp", "createdAt", "created_at", "time", "starting_at"}
)

// Context carries identifying hints from an enclosing node to its children
type Context struct {
	Provider string
	Model    string
	Date     string // YYYY-MM-DD; fallback for nodes without their own date
}

// ExtractUsageRows walks an arbitrary JSON value and returns one row for every
// object node that carries a usage signal. Provider, model and date found on a
// parent are inherited by nested objects.
func ExtractUsageRows(node *Node, ctx Context) []models.UsageRow {
	var rows []models.UsageRow
	visit(node, ctx, &rows)
	return rows
}

func visit(node *Node, ctx Context, rows *[]models.UsageRow) {
	if node == nil {
		return
	}

	switch node.Kind {
	case KindArray:
		for _, item := range node.Items {
			if item.IsContainer() {
				visit(item, ctx, rows)
			}
		}
	case KindObject:
		next := ctx
		if s := pickString(node, modelKeys); s != "" {
			next.Model = s
		}
		if s := pickString(node, providerKeys); s != "" {
			next.Provider = s
		}
		if d, ok := pickDate(node, dateKeys); ok {
			next.Date = d
		}

		if row, ok := rowFromObject(node, next); ok {
			*rows = append(*rows, row)
		}

		for _, f := range node.Fields {
			if f.Value.IsContainer() {
				visit(f.Value, next, rows)
			}
		}
	}
}

func rowFromObject(node *Node, ctx Context) (models.UsageRow, bool) {
	row := models.UsageRow{
		InputTokens:      pickCount(node, inputKeys),
		OutputTokens:     pickCount(node, outputKeys),
		CacheReadTokens:  pickCount(node, cacheReadKeys),
		CacheWriteTokens: pickCount(node, cacheWriteKeys),
		TotalTokens:      pickCount(node, totalKeys),
		Cost:             pickCost(node, costKeys),
	}
	if row.TotalTokens == 0 {
		row.TotalTokens = row.InputTokens + row.OutputTokens + row.CacheReadTokens + row.CacheWriteTokens
	}

	if row.Cost == 0 && row.TotalTokens == 0 && row.InputTokens == 0 && row.OutputTokens == 0 {
		return row, false
	}

	row.Provider = NormalizeProvider(ctx.Provider, ctx.Model)
	row.Model = NormalizeModel(ctx.Model)
	row.Date = ctx.Date
	if row.Date == "" {
		row.Date = models.UnknownTag
	}
	return row, true
}

// pick returns the first alias present with a scalar value
func pick(node *Node, keys []string) *Node {
	for _, key := range keys {
		if v := node.Get(key); v.IsScalar() {
			return v
		}
	}
	return nil
}

func pickString(node *Node, keys []string) string {
	for _, key := range keys {
		if v := node.Get(key); v != nil && v.Kind == KindString {
			if s := strings.TrimSpace(v.Text); s != "" {
				return s
			}
		}
	}
	return ""
}

func pickCount(node *Node, keys []string) int64 {
	f := toNumber(pick(node, keys))
	if f <= 0 {
		return 0
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Round(f))
}

func pickCost(node *Node, keys []string) float64 {
	f := toNumber(pick(node, keys))
	if f <= 0 {
		return 0
	}
	return f
}

// toNumber coerces numbers and numeric strings (thousands separators allowed).
// Anything else, including non-finite values, yields 0.
func toNumber(v *Node) float64 {
	if v == nil {
		return 0
	}

	var text string
	switch v.Kind {
	case KindNumber:
		text = v.Text
	case KindString:
		text = strings.ReplaceAll(strings.TrimSpace(v.Text), ",", "")
	default:
		return 0
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

func pickDate(node *Node, keys []string) (string, bool) {
	for _, key := range keys {
		v := node.Get(key)
		if !v.IsScalar() {
			continue
		}
		if t, ok := toTime(v); ok {
			return FormatDay(t), true
		}
	}
	return "", false
}

// toTime interprets epoch numbers (seconds below 1e12, milliseconds above)
// and common timestamp layouts.
func toTime(v *Node) (time.Time, bool) {
	switch v.Kind {
	case KindNumber:
		f, err := strconv.ParseFloat(v.Text, 64)
		if err != nil || f <= 0 || math.IsInf(f, 0) {
			return time.Time{}, false
		}
		if f < 1e12 {
			return time.Unix(int64(f), 0), true
		}
		return time.UnixMilli(int64(f)), true
	case KindString:
		s := strings.TrimSpace(v.Text)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// FormatDay renders t as an ISO calendar day in UTC
func FormatDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
