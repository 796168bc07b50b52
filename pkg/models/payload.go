package models

import "time"

// PricingMode describes where the pricing table of a run came from
type PricingMode string

const (
	PricingLive        PricingMode = "live"
	PricingCache       PricingMode = "cache"
	PricingUnavailable PricingMode = "unavailable"
)

// PayloadSources counts what a refresh run consumed
type PayloadSources struct {
	JSONLFilesScanned int `json:"jsonlFilesScanned"`
	JSONFilesScanned  int `json:"jsonFilesScanned"`
	UsageRows         int `json:"usageRows"`
	FetchersSucceeded int `json:"fetchersSucceeded"`
	FetchersFailed    int `json:"fetchersFailed"`
}

// PayloadPricing describes the pricing table used for estimates
type PayloadPricing struct {
	Mode       PricingMode `json:"mode"`
	SourceURL  string      `json:"sourceUrl"`
	FetchedAt  *time.Time  `json:"fetchedAt"`
	StaleCache bool        `json:"staleCache"`
	Entries    int         `json:"entries"`
}

// QuotaSnapshot captures quota percentages reported by a provider
type QuotaSnapshot struct {
	Provider           string     `json:"provider"`
	PrimaryUsedPct     *float64   `json:"primaryUsedPercent"`
	SecondaryUsedPct   *float64   `json:"secondaryUsedPercent"`
	PrimaryWindowMins  *int       `json:"primaryWindowMinutes,omitempty"`
	SecondaryWindowMin *int       `json:"secondaryWindowMinutes,omitempty"`
	PrimaryResetsAt    *time.Time `json:"primaryResetsAt,omitempty"`
	SecondaryResetsAt  *time.Time `json:"secondaryResetsAt,omitempty"`
	CapturedAt         time.Time  `json:"capturedAt"`
}

// Diagnostic is a degraded-mode flag surfaced to the dashboard instead of an error
type Diagnostic struct {
	Component string `json:"component"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Payload is the aggregate output contract read by the dashboard
type Payload struct {
	GeneratedAt time.Time         `json:"generatedAt"`
	Sources     PayloadSources    `json:"sources"`
	Pricing     PayloadPricing    `json:"pricing"`
	Totals      AggregateBucket   `json:"totals"`
	ByProvider  []AggregateBucket `json:"byProvider"`
	ByModel     []AggregateBucket `json:"byModel"`
	ByDay       []AggregateBucket `json:"byDay"`
	Quotas      []QuotaSnapshot   `json:"quotas"`
	Diagnostics []Diagnostic      `json:"diagnostics"`
}

// PayloadDiagnostics tells the reader where a payload was loaded from
type PayloadDiagnostics struct {
	Source  string `json:"source"` // cache | kv | file-fallback
	Warning string `json:"warning,omitempty"`
}

// SyncLogEntry records one provider fetch attempt
type SyncLogEntry struct {
	ID         int64     `json:"id"`
	Provider   string    `json:"provider"`
	Status     string    `json:"status"` // ok | skipped | error
	Message    string    `json:"message,omitempty"`
	Rows       int       `json:"rows"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}
