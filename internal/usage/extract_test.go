package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, doc string) *Node {
	t.Helper()
	node, err := Parse([]byte(doc))
	require.NoError(t, err)
	return node
}

func TestParse_PreservesMemberOrder(t *testing.T) {
	node := mustParse(t, `{"b":1,"a":{"c":[1,"x",true,null]}}`)

	require.Equal(t, KindObject, node.Kind)
	require.Len(t, node.Fields, 2)
	assert.Equal(t, "b", node.Fields[0].Key)
	assert.Equal(t, "a", node.Fields[1].Key)

	items := node.Get("a").Get("c").Items
	require.Len(t, items, 4)
	assert.Equal(t, KindNumber, items[0].Kind)
	assert.Equal(t, KindString, items[1].Kind)
	assert.Equal(t, KindBool, items[2].Kind)
	assert.Equal(t, KindNull, items[3].Kind)
}

func TestParse_Malformed(t *testing.T) {
	for _, doc := range []string{`{"a":`, `{"a":1}}`, `[1,2`, ``} {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestExtractUsageRows_FlatRecord(t *testing.T) {
	node := mustParse(t, `{"provider":"anthropic","model":"claude-sonnet-4-20250514",
		"input_tokens":100,"output_tokens":"1,250","cost":0.5,"timestamp":"2026-03-04T10:00:00Z"}`)

	rows := ExtractUsageRows(node, Context{Date: "2026-01-01"})
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "anthropic", row.Provider)
	assert.Equal(t, "claude-sonnet-4", row.Model)
	assert.Equal(t, "2026-03-04", row.Date)
	assert.Equal(t, int64(100), row.InputTokens)
	assert.Equal(t, int64(1250), row.OutputTokens)
	assert.Equal(t, 0.5, row.Cost)
	assert.Equal(t, int64(1350), row.TotalTokens)
}

func TestExtractUsageRows_SynthesizesTotal(t *testing.T) {
	node := mustParse(t, `{"model":"gpt-5","inputTokens":10,"outputTokens":20,
		"cacheReadTokens":30,"cacheWriteTokens":40}`)

	rows := ExtractUsageRows(node, Context{Date: "2026-01-01"})
	require.Len(t, rows, 1)
	assert.Equal(t, int64(100), rows[0].TotalTokens)
	assert.Equal(t, "openai", rows[0].Provider)
}

func TestExtractUsageRows_ReportedTotalKept(t *testing.T) {
	node := mustParse(t, `{"model":"gpt-5","input_tokens":10,"output_tokens":20,"total_tokens":500}`)

	rows := ExtractUsageRows(node, Context{})
	require.Len(t, rows, 1)
	assert.Equal(t, int64(500), rows[0].TotalTokens)
	assert.Equal(t, "unknown", rows[0].Date)
}

func TestExtractUsageRows_NestedUsageInheritsContext(t *testing.T) {
	node := mustParse(t, `{
		"type":"assistant",
		"timestamp": 1772618400,
		"message":{
			"model":"claude-opus-4-6",
			"usage":{"input_tokens":5,"output_tokens":7,"cache_read_input_tokens":11,"cache_creation_input_tokens":13}
		}
	}`)

	rows := ExtractUsageRows(node, Context{Provider: "anthropic", Date: "2020-01-01"})
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "anthropic", row.Provider)
	assert.Equal(t, "claude-opus-4-6", row.Model)
	assert.Equal(t, "2026-03-04", row.Date)
	assert.Equal(t, int64(11), row.CacheReadTokens)
	assert.Equal(t, int64(13), row.CacheWriteTokens)
	assert.Equal(t, int64(36), row.TotalTokens)
}

func TestExtractUsageRows_ArrayOfRecords(t *testing.T) {
	node := mustParse(t, `{"data":[
		{"date":"2026-02-01","model":"google/gemini-3-flash-preview","provider":"google-generative-ai","total_cost":1.25},
		{"date":"2026-02-02","model":"anthropic/claude-haiku-4-5","prompt_tokens":3},
		{"date":"2026-02-03","model":"x","note":"no usage here"}
	]}`)

	rows := ExtractUsageRows(node, Context{Provider: "openrouter"})
	require.Len(t, rows, 2)

	assert.Equal(t, "google", rows[0].Provider)
	assert.Equal(t, "gemini-3-flash-preview", rows[0].Model)
	assert.Equal(t, 1.25, rows[0].Cost)
	assert.Equal(t, "2026-02-01", rows[0].Date)

	assert.Equal(t, "openrouter", rows[1].Provider)
	assert.Equal(t, "claude-haiku-4-5", rows[1].Model)
	assert.Equal(t, "2026-02-02", rows[1].Date)
}

func TestExtractUsageRows_EpochMilliseconds(t *testing.T) {
	node := mustParse(t, `{"model":"gpt-5","createdAt":1772618400000,"tokens":42}`)

	rows := ExtractUsageRows(node, Context{Date: "2020-01-01"})
	require.Len(t, rows, 1)
	assert.Equal(t, "2026-03-04", rows[0].Date)
	assert.Equal(t, int64(42), rows[0].TotalTokens)
}

func TestExtractUsageRows_InvalidDateFallsBack(t *testing.T) {
	node := mustParse(t, `{"model":"gpt-5","date":"last tuesday","tokens":1}`)

	rows := ExtractUsageRows(node, Context{Date: "2025-12-31"})
	require.Len(t, rows, 1)
	assert.Equal(t, "2025-12-31", rows[0].Date)
}

func TestExtractUsageRows_IgnoresBadValues(t *testing.T) {
	node := mustParse(t, `{"model":"gpt-5","input_tokens":-5,"output_tokens":"abc","cost":"NaN","usage":{"note":1}}`)

	assert.Empty(t, ExtractUsageRows(node, Context{}))
}

func TestExtractUsageRows_Scalars(t *testing.T) {
	assert.Empty(t, ExtractUsageRows(mustParse(t, `42`), Context{}))
	assert.Empty(t, ExtractUsageRows(mustParse(t, `"text"`), Context{}))
	assert.Empty(t, ExtractUsageRows(nil, Context{}))
}
