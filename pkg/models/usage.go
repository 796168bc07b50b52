package models

// UnknownTag is used when neither provider nor model input is informative
const UnknownTag = "unknown"

// UsageRow is one observed usage event after normalization.
// Rows are produced fresh on every aggregation pass and never persisted individually.
type UsageRow struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Date             string  `json:"date"` // YYYY-MM-DD
	Cost             float64 `json:"cost"` // Reported USD, 0 when unknown
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens"`
	CacheWriteTokens int64   `json:"cacheWriteTokens"`
	TotalTokens      int64   `json:"totalTokens"`
}

// ConfiguredModelRef is a model the operator has configured, with or without usage
type ConfiguredModelRef struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// AggregateBucket accumulates usage for one provider, (provider, model) pair, or day
type AggregateBucket struct {
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	Date             string  `json:"date,omitempty"`
	Cost             float64 `json:"cost"`
	EstimatedCost    float64 `json:"estimatedCost"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens"`
	CacheWriteTokens int64   `json:"cacheWriteTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	Rows             int     `json:"rows"`
	Estimated        bool    `json:"estimated"`
	Configured       bool    `json:"configured,omitempty"`
	PricingKey       string  `json:"pricingKey,omitempty"`
}

// Add folds a row into the bucket using the resolved cost
func (b *AggregateBucket) Add(row UsageRow, estimatedCost float64) {
	b.Cost += row.Cost
	b.EstimatedCost += estimatedCost
	b.InputTokens += row.InputTokens
	b.OutputTokens += row.OutputTokens
	b.CacheReadTokens += row.CacheReadTokens
	b.CacheWriteTokens += row.CacheWriteTokens
	b.TotalTokens += row.TotalTokens
	b.Rows++
}

// Aggregate is the result of folding usage rows
type Aggregate struct {
	Totals     AggregateBucket   `json:"totals"`
	ByProvider []AggregateBucket `json:"byProvider"`
	ByModel    []AggregateBucket `json:"byModel"`
	ByDay      []AggregateBucket `json:"byDay"`
}
