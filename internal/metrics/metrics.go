package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Refresh queue metrics
var (
	// JobsEnqueued counts enqueue calls by source and whether they were deduplicated
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscost_refresh_jobs_enqueued_total",
			Help: "Total number of refresh enqueue calls by source and dedup outcome",
		},
		[]string{"source", "deduped"},
	)

	// JobsClaimed counts claimed jobs by claim path (pending, stale, atomic)
	JobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscost_refresh_jobs_claimed_total",
			Help: "Total number of refresh jobs claimed by claim path",
		},
		[]string{"path"},
	)

	// JobsFinished counts finished job attempts by outcome (done, retry, failed)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscost_refresh_jobs_finished_total",
			Help: "Total number of refresh job attempts by outcome",
		},
		[]string{"outcome"},
	)

	// JobDuration tracks how long a single refresh attempt takes
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opscost_refresh_job_duration_seconds",
			Help:    "Duration of refresh job attempts by outcome",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 11), // 250ms to ~4min
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks the number of refresh requests per status
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opscost_refresh_queue_depth",
			Help: "Number of refresh requests by status",
		},
		[]string{"status"},
	)

	// StoreErrors counts datastore errors by operation
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscost_queue_store_errors_total",
			Help: "Total number of datastore errors by operation",
		},
		[]string{"operation"},
	)
)

// Provider and pipeline metrics
var (
	// ProviderFetchDuration tracks provider API response times
	ProviderFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opscost_provider_fetch_duration_seconds",
			Help:    "Response time of provider usage fetches",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"provider"},
	)

	// ProviderFetchTotal counts provider fetches by status (success, error, skipped)
	ProviderFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscost_provider_fetch_total",
			Help: "Total number of provider usage fetches by provider and status",
		},
		[]string{"provider", "status"},
	)

	// UsageRows tracks the number of usage rows in the last aggregation
	UsageRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscost_usage_rows",
			Help: "Number of usage rows in the most recent aggregation",
		},
	)

	// PricingStale is 1 when the last aggregation priced from a stale cache or no table
	PricingStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscost_pricing_stale",
			Help: "1 when the most recent pricing table was not fetched live",
		},
	)

	// EstimatedCostUSD tracks the estimated cost per provider from the last aggregation
	EstimatedCostUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opscost_estimated_cost_usd",
			Help: "Estimated cost in USD by provider from the most recent aggregation",
		},
		[]string{"provider"},
	)
)

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordEnqueue increments the enqueue counter
func RecordEnqueue(source string, deduped bool) {
	label := "false"
	if deduped {
		label = "true"
	}
	JobsEnqueued.WithLabelValues(source, label).Inc()
}

// RecordClaim increments the claim counter for a claim path
func RecordClaim(path string) {
	JobsClaimed.WithLabelValues(path).Inc()
}

// RecordJobFinished records the outcome and duration of a job attempt
func RecordJobFinished(outcome string, duration time.Duration) {
	JobsFinished.WithLabelValues(outcome).Inc()
	JobDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStoreError increments the store error counter
func RecordStoreError(operation string) {
	StoreErrors.WithLabelValues(operation).Inc()
}

// RecordProviderFetch records a provider fetch with its status
// status should be "success", "error", or "skipped"
func RecordProviderFetch(provider, status string, duration time.Duration) {
	ProviderFetchTotal.WithLabelValues(provider, status).Inc()
	if status != "skipped" {
		ProviderFetchDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// UpdateAggregate publishes gauges describing the latest aggregation
func UpdateAggregate(rows int, pricingStale bool, costByProvider map[string]float64) {
	UsageRows.Set(float64(rows))
	if pricingStale {
		PricingStale.Set(1)
	} else {
		PricingStale.Set(0)
	}
	for provider, cost := range costByProvider {
		EstimatedCostUSD.WithLabelValues(provider).Set(cost)
	}
}

// InitializeQueueMetrics populates the depth gauge from database state on startup.
func InitializeQueueMetrics(ctx context.Context, counts map[string]int) error {
	for status, n := range counts {
		QueueDepth.WithLabelValues(status).Set(float64(n))
	}
	slog.InfoContext(ctx, "initialized queue metrics from database",
		slog.Int("label_combinations", len(counts)))
	return nil
}
