package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/opscost/opscost/internal/aggregate"
	"github.com/opscost/opscost/internal/logging"
	"github.com/opscost/opscost/internal/metrics"
	"github.com/opscost/opscost/internal/pricing"
	"github.com/opscost/opscost/internal/provider"
	"github.com/opscost/opscost/internal/usage"
	"github.com/opscost/opscost/pkg/models"
)

const (
	// DefaultKVKey is the payload key the dashboard reads
	DefaultKVKey = "ops-cost:latest"

	// DefaultFetchTimeout bounds each provider fetch
	DefaultFetchTimeout = 60 * time.Second

	// maxConcurrentFetches limits provider fetches in flight during one run
	maxConcurrentFetches = 4
)

// Sync log statuses
const (
	SyncStatusOK      = "ok"
	SyncStatusSkipped = "skipped"
	SyncStatusError   = "error"
)

// ErrNoUsageData is returned when every enabled fetcher failed and no local rows exist
var ErrNoUsageData = errors.New("all provider fetches failed and no local usage was found")

// PricingLoader returns the pricing table for a run
type PricingLoader interface {
	Load(ctx context.Context) *pricing.Table
}

// UsageScanner reads local session logs
type UsageScanner interface {
	Scan(ctx context.Context) (*usage.ScanResult, error)
}

// PayloadStore persists the payload under the dashboard key
type PayloadStore interface {
	Put(ctx context.Context, key string, payload *models.Payload) error
}

// SyncLog records provider fetch attempts
type SyncLog interface {
	Record(ctx context.Context, entry *models.SyncLogEntry) error
}

// CacheInvalidator drops a cached payload after a write
type CacheInvalidator interface {
	Delete(key string)
}

// Collection is everything a run gathered before aggregation
type Collection struct {
	Rows        []models.UsageRow
	Table       *pricing.Table
	Quotas      []models.QuotaSnapshot
	Diagnostics []models.Diagnostic
	Sources     models.PayloadSources
}

// fetchOutcome is the result of a single fetcher
type fetchOutcome struct {
	status      string
	rows        []models.UsageRow
	quota       *models.QuotaSnapshot
	diagnostics []models.Diagnostic
}

// Service runs the refresh pipeline: fetch, normalize, aggregate, persist
type Service struct {
	pricing  PricingLoader
	payloads PayloadStore
	fetchers []provider.Fetcher
	scanner  UsageScanner
	refs     []models.ConfiguredModelRef
	syncLog  SyncLog
	cache    CacheInvalidator

	kvKey        string
	outputPath   string
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	lastRun time.Time
}

// Option configures the Service
type Option func(*Service)

// WithFetchers sets the remote provider fetchers
func WithFetchers(fetchers ...provider.Fetcher) Option {
	return func(s *Service) {
		s.fetchers = append(s.fetchers, fetchers...)
	}
}

// WithScanner sets the local session log scanner
func WithScanner(scanner UsageScanner) Option {
	return func(s *Service) {
		s.scanner = scanner
	}
}

// WithModelRefs sets the configured models seeded into the aggregate
func WithModelRefs(refs []models.ConfiguredModelRef) Option {
	return func(s *Service) {
		s.refs = refs
	}
}

// WithSyncLog sets where fetch attempts are recorded
func WithSyncLog(log SyncLog) Option {
	return func(s *Service) {
		s.syncLog = log
	}
}

// WithCache sets the read cache invalidated after each persist
func WithCache(c CacheInvalidator) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithKVKey sets the payload key
func WithKVKey(key string) Option {
	return func(s *Service) {
		s.kvKey = key
	}
}

// WithOutputPath also writes each payload to a JSON file
func WithOutputPath(path string) Option {
	return func(s *Service) {
		s.outputPath = path
	}
}

// WithFetchTimeout bounds each provider fetch
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.fetchTimeout = d
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Service) {
		s.now = fn
	}
}

// New creates a new refresh service
func New(loader PricingLoader, payloads PayloadStore, opts ...Option) *Service {
	s := &Service{
		pricing:      loader,
		payloads:     payloads,
		kvKey:        DefaultKVKey,
		fetchTimeout: DefaultFetchTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one refresh for a claimed request
func (s *Service) Run(ctx context.Context, req *models.RefreshRequest) error {
	logger := logging.Logger(ctx)
	logger.Info("refresh started",
		slog.String("source", string(req.Source)),
		slog.Int("retry_count", req.RetryCount))

	payload, err := s.refresh(ctx)
	if err != nil {
		return err
	}

	logger.Info("refresh completed",
		slog.Int("usage_rows", payload.Sources.UsageRows),
		slog.Float64("estimated_cost_usd", payload.Totals.EstimatedCost))
	return nil
}

// RefreshNow runs the pipeline outside the queue. Concurrent callers share
// one execution.
func (s *Service) RefreshNow(ctx context.Context) (*models.Payload, error) {
	v, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	if shared {
		s.logger.Debug("joined in-flight refresh")
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.Payload), nil
}

// LastRun returns when the last successful refresh persisted its payload
func (s *Service) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func (s *Service) refresh(ctx context.Context) (*models.Payload, error) {
	payload, err := s.Build(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Persist(ctx, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Build collects and aggregates usage without persisting it
func (s *Service) Build(ctx context.Context) (*models.Payload, error) {
	coll, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}

	agg := aggregate.Aggregate(coll.Rows, s.refs, coll.Table)
	return &models.Payload{
		GeneratedAt: s.now().UTC(),
		Sources:     coll.Sources,
		Pricing:     coll.Table.Describe(),
		Totals:      agg.Totals,
		ByProvider:  agg.ByProvider,
		ByModel:     agg.ByModel,
		ByDay:       agg.ByDay,
		Quotas:      coll.Quotas,
		Diagnostics: coll.Diagnostics,
	}, nil
}

// Collect loads pricing, runs every fetcher and scans local logs
func (s *Service) Collect(ctx context.Context) (*Collection, error) {
	coll := &Collection{
		Rows:        []models.UsageRow{},
		Quotas:      []models.QuotaSnapshot{},
		Diagnostics: []models.Diagnostic{},
	}

	coll.Table = s.pricing.Load(ctx)
	switch {
	case coll.Table == nil || coll.Table.Mode == models.PricingUnavailable:
		coll.Diagnostics = append(coll.Diagnostics, models.Diagnostic{
			Component: "pricing",
			Code:      "unavailable",
			Message:   "pricing source and cache unavailable; estimates are 0",
		})
	case coll.Table.Stale:
		coll.Diagnostics = append(coll.Diagnostics, models.Diagnostic{
			Component: "pricing",
			Code:      "stale_cache",
			Message:   "live pricing fetch failed; using cached table",
		})
	}

	outcomes := s.fetchAll(ctx)
	for i, out := range outcomes {
		coll.Rows = append(coll.Rows, out.rows...)
		coll.Diagnostics = append(coll.Diagnostics, out.diagnostics...)
		if out.quota != nil {
			coll.Quotas = append(coll.Quotas, *out.quota)
		}
		switch out.status {
		case SyncStatusOK:
			coll.Sources.FetchersSucceeded++
		case SyncStatusError:
			coll.Sources.FetchersFailed++
		default:
			s.logger.Debug("fetcher skipped", slog.String("provider", s.fetchers[i].Name()))
		}
	}
	sort.SliceStable(coll.Quotas, func(i, j int) bool {
		return coll.Quotas[i].Provider < coll.Quotas[j].Provider
	})

	localRows := 0
	if s.scanner != nil {
		result, err := s.scanner.Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session logs: %w", err)
		}
		localRows = len(result.Rows)
		coll.Rows = append(coll.Rows, result.Rows...)
		coll.Sources.JSONLFilesScanned = result.JSONLFiles
		coll.Sources.JSONFilesScanned = result.JSONFiles
		if result.BadLines > 0 || result.SkippedFiles > 0 {
			s.logger.Debug("session log scan skipped input",
				slog.Int("bad_lines", result.BadLines),
				slog.Int("skipped_files", result.SkippedFiles))
		}
	}
	coll.Sources.UsageRows = len(coll.Rows)

	if coll.Sources.FetchersFailed > 0 && coll.Sources.FetchersSucceeded == 0 && localRows == 0 {
		return nil, ErrNoUsageData
	}
	return coll, nil
}

func (s *Service) fetchAll(ctx context.Context) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(s.fetchers))

	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, f := range s.fetchers {
		g.Go(func() error {
			outcomes[i] = s.fetchOne(ctx, f)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (s *Service) fetchOne(ctx context.Context, f provider.Fetcher) fetchOutcome {
	name := f.Name()
	ctx = logging.WithProvider(ctx, name)
	logger := logging.Logger(ctx)

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	start := s.now()
	res, err := f.Fetch(fetchCtx)
	duration := s.now().Sub(start)

	var out fetchOutcome
	var message string
	switch {
	case errors.Is(err, provider.ErrMissingCredentials):
		out.status = SyncStatusSkipped
		message = err.Error()
		out.diagnostics = append(out.diagnostics, models.Diagnostic{
			Component: name,
			Code:      "missing_credentials",
			Message:   "fetcher skipped: credentials not configured",
		})
	case err != nil:
		out.status = SyncStatusError
		message = err.Error()
		logger.Warn("provider fetch failed",
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		out.diagnostics = append(out.diagnostics, models.Diagnostic{
			Component: name,
			Code:      "fetch_failed",
			Message:   message,
		})
	default:
		out.status = SyncStatusOK
		out.quota = res.Quota
		for _, w := range res.Warnings {
			out.diagnostics = append(out.diagnostics, models.Diagnostic{
				Component: name,
				Code:      "warning",
				Message:   w,
			})
		}
		malformed := 0
		for _, doc := range res.Documents {
			node, perr := usage.Parse(doc)
			if perr != nil {
				malformed++
				continue
			}
			out.rows = append(out.rows, usage.ExtractUsageRows(node, usage.Context{Provider: res.Provider})...)
		}
		if malformed > 0 {
			out.diagnostics = append(out.diagnostics, models.Diagnostic{
				Component: name,
				Code:      "malformed_response",
				Message:   fmt.Sprintf("%d response documents could not be parsed", malformed),
			})
		}
		logger.Info("provider fetch completed",
			slog.Int("rows", len(out.rows)),
			slog.Duration("duration", duration))
	}

	metrics.RecordProviderFetch(name, out.status, duration)
	s.recordSync(ctx, &models.SyncLogEntry{
		Provider:   name,
		Status:     out.status,
		Message:    message,
		Rows:       len(out.rows),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  s.now().UTC(),
	})
	return out
}

func (s *Service) recordSync(ctx context.Context, entry *models.SyncLogEntry) {
	if s.syncLog == nil {
		return
	}
	if err := s.syncLog.Record(context.WithoutCancel(ctx), entry); err != nil {
		logging.Logger(ctx).Warn("failed to record sync log entry",
			slog.String("error", err.Error()))
	}
}

// Persist stores the payload, writes the optional output file and drops the cached copy
func (s *Service) Persist(ctx context.Context, payload *models.Payload) error {
	if err := s.payloads.Put(ctx, s.kvKey, payload); err != nil {
		return fmt.Errorf("failed to persist payload: %w", err)
	}

	if s.outputPath != "" {
		if err := writeJSONFile(s.outputPath, payload); err != nil {
			s.logger.Warn("failed to write payload file",
				slog.String("path", s.outputPath),
				slog.String("error", err.Error()))
		}
	}

	if s.cache != nil {
		s.cache.Delete(s.kvKey)
	}

	costByProvider := make(map[string]float64, len(payload.ByProvider))
	for _, b := range payload.ByProvider {
		costByProvider[b.Provider] = b.EstimatedCost
	}
	metrics.UpdateAggregate(payload.Sources.UsageRows, payload.Pricing.StaleCache, costByProvider)

	s.mu.Lock()
	s.lastRun = payload.GeneratedAt
	s.mu.Unlock()

	logging.Audit(ctx, "payload_persisted",
		slog.String("key", s.kvKey),
		slog.Int("usage_rows", payload.Sources.UsageRows))
	return nil
}

// writeJSONFile replaces path atomically
func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".payload-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
