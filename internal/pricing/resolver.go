// Package pricing resolves per-token rates for (provider, model) pairs and
// estimates cost when a source reports tokens but no billed amount.
package pricing

import (
	"math"
	"strings"
	"time"

	"github.com/opscost/opscost/pkg/models"
)

// Entry holds the per-token USD rates of one model. Absent rates count as 0.
type Entry struct {
	InputCostPerToken      *float64 `json:"input_cost_per_token,omitempty"`
	OutputCostPerToken     *float64 `json:"output_cost_per_token,omitempty"`
	CacheReadCostPerToken  *float64 `json:"cache_read_input_token_cost,omitempty"`
	CacheWriteCostPerToken *float64 `json:"cache_creation_input_token_cost,omitempty"`
	Provider               string   `json:"litellm_provider,omitempty"`
}

// Table is an in-memory pricing table handed to the resolver
type Table struct {
	Mode      models.PricingMode
	SourceURL string
	FetchedAt time.Time
	Stale     bool
	Data      map[string]Entry
}

// Describe returns the payload view of the table
func (t *Table) Describe() models.PayloadPricing {
	if t == nil {
		return models.PayloadPricing{Mode: models.PricingUnavailable}
	}
	desc := models.PayloadPricing{
		Mode:       t.Mode,
		SourceURL:  t.SourceURL,
		StaleCache: t.Stale,
		Entries:    len(t.Data),
	}
	if !t.FetchedAt.IsZero() {
		fetched := t.FetchedAt
		desc.FetchedAt = &fetched
	}
	return desc
}

// vendorNamespaces lists the table prefixes a provider's models may be
// published under, in lookup order.
var vendorNamespaces = map[string][]string{
	"google-vertex": {"vertex_ai", "gemini"},
	"google":        {"gemini", "vertex_ai"},
	"openai-codex":  {"openai"},
	"openai":        {"openai"},
	"anthropic":     {"anthropic"},
	"xai":           {"xai"},
	"openrouter":    {"openrouter"},
}

// Resolve returns the first table entry matching the pair and the key that
// matched. ok is false when no estimate is possible.
func Resolve(table *Table, provider, model string) (entry Entry, key string, ok bool) {
	if table == nil || len(table.Data) == 0 || model == "" {
		return Entry{}, "", false
	}

	for _, candidate := range candidateKeys(provider, model) {
		if e, found := table.Data[candidate]; found {
			return e, candidate, true
		}
	}
	return Entry{}, "", false
}

func candidateKeys(provider, model string) []string {
	lowerProvider := strings.ToLower(provider)
	lowerModel := strings.ToLower(model)

	keys := []string{
		provider + "/" + model,
		model,
		lowerProvider + "/" + lowerModel,
		lowerModel,
	}

	for _, ns := range vendorNamespaces[lowerProvider] {
		keys = append(keys, ns+"/"+lowerModel)
	}

	// Claude models served through other vendors are billed at Anthropic's rates
	if lowerProvider != "anthropic" && strings.Contains(lowerModel, "claude") {
		keys = append(keys, "anthropic/"+lowerModel)
	}

	// Codex variants fall back to their base model's rates
	if base, found := strings.CutSuffix(lowerModel, "-codex"); found && lowerProvider == "openai-codex" {
		keys = append(keys, base, "openai/"+base)
	}

	seen := make(map[string]struct{}, len(keys))
	unique := keys[:0]
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}
	return unique
}

// EstimateCostUSD prices a row's tokens. Non-finite or negative results are 0.
func EstimateCostUSD(row models.UsageRow, entry Entry) float64 {
	cost := float64(row.InputTokens)*rate(entry.InputCostPerToken) +
		float64(row.OutputTokens)*rate(entry.OutputCostPerToken) +
		float64(row.CacheReadTokens)*rate(entry.CacheReadCostPerToken) +
		float64(row.CacheWriteTokens)*rate(entry.CacheWriteCostPerToken)

	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return 0
	}
	return cost
}

func rate(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
