package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscost/opscost/internal/pricing"
	"github.com/opscost/opscost/internal/provider"
	"github.com/opscost/opscost/internal/storage"
	"github.com/opscost/opscost/internal/usage"
	"github.com/opscost/opscost/pkg/models"
)

type fakeFetcher struct {
	name   string
	result *provider.FetchResult
	err    error
	calls  atomic.Int32
	block  chan struct{}
	start  chan struct{}
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) Fetch(ctx context.Context) (*provider.FetchResult, error) {
	f.calls.Add(1)
	if f.start != nil {
		close(f.start)
		f.start = nil
	}
	if f.block != nil {
		<-f.block
	}
	return f.result, f.err
}

type staticPricing struct {
	table *pricing.Table
}

func (p staticPricing) Load(ctx context.Context) *pricing.Table {
	return p.table
}

type recordingCache struct {
	mu      sync.Mutex
	deleted []string
}

func (c *recordingCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, key)
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, key string, payload *models.Payload) error {
	return errors.New("database is locked")
}

type testEnv struct {
	db       *storage.DB
	payloads *storage.PayloadStore
	syncLog  *storage.SyncLogStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return &testEnv{
		db:       db,
		payloads: storage.NewPayloadStore(db),
		syncLog:  storage.NewSyncLogStore(db),
	}
}

func livePricing() staticPricing {
	return staticPricing{table: &pricing.Table{
		Mode:      models.PricingLive,
		SourceURL: "https://example.test/prices.json",
		FetchedAt: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
		Data:      map[string]pricing.Entry{},
	}}
}

func usageFetcher(name, doc string) *fakeFetcher {
	return &fakeFetcher{name: name, result: &provider.FetchResult{
		Provider:  name,
		Documents: [][]byte{[]byte(doc)},
	}}
}

func diagnosticCodes(p *models.Payload) []string {
	codes := make([]string, 0, len(p.Diagnostics))
	for _, d := range p.Diagnostics {
		codes = append(codes, d.Component+":"+d.Code)
	}
	return codes
}

func TestService_Run(t *testing.T) {
	env := newTestEnv(t)
	outputPath := filepath.Join(t.TempDir(), "out", "dashboard.json")
	c := &recordingCache{}

	pct := 42.0
	fetchers := []provider.Fetcher{
		usageFetcher("anthropic", `{"data":[{"model":"claude-sonnet-4","date":"2026-10-01","input_tokens":1000,"output_tokens":500,"cost":1.5}]}`),
		&fakeFetcher{name: "openrouter", err: provider.ErrMissingCredentials},
		&fakeFetcher{name: "openai-codex", result: &provider.FetchResult{
			Provider: "openai-codex",
			Quota:    &models.QuotaSnapshot{Provider: "openai-codex", PrimaryUsedPct: &pct},
			Warnings: []string{"token refresh failed"},
		}},
	}

	svc := New(livePricing(), env.payloads,
		WithFetchers(fetchers...),
		WithSyncLog(env.syncLog),
		WithCache(c),
		WithOutputPath(outputPath),
		WithTimeFunc(func() time.Time { return time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC) }),
	)

	err := svc.Run(context.Background(), &models.RefreshRequest{RequestID: "req-1", Source: models.SourceWeb})
	require.NoError(t, err)

	stored, err := env.payloads.Get(context.Background(), DefaultKVKey)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Sources.UsageRows)
	assert.Equal(t, 2, stored.Sources.FetchersSucceeded)
	assert.Equal(t, 0, stored.Sources.FetchersFailed)
	assert.InDelta(t, 1.5, stored.Totals.EstimatedCost, 1e-9)
	assert.Equal(t, int64(1500), stored.Totals.TotalTokens)
	assert.Equal(t, models.PricingLive, stored.Pricing.Mode)
	require.Len(t, stored.Quotas, 1)
	assert.Equal(t, "openai-codex", stored.Quotas[0].Provider)
	assert.ElementsMatch(t, []string{
		"openrouter:missing_credentials",
		"openai-codex:warning",
	}, diagnosticCodes(stored))
	assert.Equal(t, time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC), svc.LastRun())

	entries, err := env.syncLog.Recent(context.Background(), 10)
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, e := range entries {
		statuses[e.Provider] = e.Status
	}
	assert.Equal(t, map[string]string{
		"anthropic":    SyncStatusOK,
		"openrouter":   SyncStatusSkipped,
		"openai-codex": SyncStatusOK,
	}, statuses)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	var written models.Payload
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, 1, written.Sources.UsageRows)

	assert.Equal(t, []string{DefaultKVKey}, c.deleted)
}

func TestService_AllFetchersFailedNoLocalRows(t *testing.T) {
	env := newTestEnv(t)
	svc := New(livePricing(), env.payloads,
		WithFetchers(
			&fakeFetcher{name: "anthropic", err: provider.ErrProviderAuth},
			&fakeFetcher{name: "openrouter", err: provider.ErrProviderError},
		),
		WithScanner(usage.NewScanner(usage.WithDirs(t.TempDir()))),
		WithSyncLog(env.syncLog),
	)

	err := svc.Run(context.Background(), &models.RefreshRequest{RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrNoUsageData)

	_, err = env.payloads.Get(context.Background(), DefaultKVKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := env.syncLog.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, SyncStatusError, e.Status)
		assert.NotEmpty(t, e.Message)
	}
}

func TestService_LocalRowsRescueFailedFetchers(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.jsonl"), []byte(
		`{"provider":"openai","model":"gpt-4o","date":"2026-10-01","input_tokens":100,"output_tokens":50}`+"\n"+
			`not json`+"\n"), 0644))

	svc := New(livePricing(), env.payloads,
		WithFetchers(&fakeFetcher{name: "anthropic", err: provider.ErrProviderRateLimit}),
		WithScanner(usage.NewScanner(usage.WithDirs(dir))),
	)

	payload, err := svc.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Sources.UsageRows)
	assert.Equal(t, 1, payload.Sources.JSONLFilesScanned)
	assert.Equal(t, 1, payload.Sources.FetchersFailed)
	assert.Contains(t, diagnosticCodes(payload), "anthropic:fetch_failed")
}

func TestService_NoFetchersNoRowsSucceeds(t *testing.T) {
	env := newTestEnv(t)
	svc := New(livePricing(), env.payloads,
		WithFetchers(&fakeFetcher{name: "anthropic", err: provider.ErrMissingCredentials}),
	)

	payload, err := svc.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, payload.Sources.UsageRows)
	assert.NotNil(t, payload.ByProvider)
}

func TestService_PersistFailure(t *testing.T) {
	svc := New(livePricing(), failingStore{},
		WithFetchers(usageFetcher("anthropic", `{"model":"claude-opus-4","cost":2}`)),
	)

	err := svc.Run(context.Background(), &models.RefreshRequest{RequestID: "req-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist payload")
	assert.True(t, svc.LastRun().IsZero())
}

func TestService_MalformedDocument(t *testing.T) {
	env := newTestEnv(t)
	svc := New(livePricing(), env.payloads,
		WithFetchers(usageFetcher("openrouter", `{"data": [`)),
	)

	payload, err := svc.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Sources.FetchersSucceeded)
	assert.Contains(t, diagnosticCodes(payload), "openrouter:malformed_response")
}

func TestService_PricingDiagnostics(t *testing.T) {
	env := newTestEnv(t)

	svc := New(staticPricing{table: &pricing.Table{Mode: models.PricingUnavailable}}, env.payloads)
	payload, err := svc.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Contains(t, diagnosticCodes(payload), "pricing:unavailable")

	svc = New(staticPricing{table: &pricing.Table{Mode: models.PricingCache, Stale: true}}, env.payloads)
	payload, err = svc.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Contains(t, diagnosticCodes(payload), "pricing:stale_cache")
	assert.True(t, payload.Pricing.StaleCache)
}

func TestService_ConfiguredModelsSeeded(t *testing.T) {
	env := newTestEnv(t)
	svc := New(livePricing(), env.payloads,
		WithModelRefs([]models.ConfiguredModelRef{{Provider: "xai", Model: "grok-4"}}),
	)

	payload, err := svc.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, payload.ByModel, 1)
	assert.Equal(t, "grok-4", payload.ByModel[0].Model)
	assert.True(t, payload.ByModel[0].Configured)

	_, err = env.payloads.Get(context.Background(), DefaultKVKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestService_RefreshNowCoalesces(t *testing.T) {
	env := newTestEnv(t)
	f := usageFetcher("anthropic", `{"model":"claude-opus-4","cost":2}`)
	f.block = make(chan struct{})
	f.start = make(chan struct{})
	started := f.start

	svc := New(livePricing(), env.payloads, WithFetchers(f))

	var wg sync.WaitGroup
	results := make([]*models.Payload, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p, err := svc.RefreshNow(context.Background())
		assert.NoError(t, err)
		results[0] = p
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		p, err := svc.RefreshNow(context.Background())
		assert.NoError(t, err)
		results[1] = p
	}()
	time.Sleep(50 * time.Millisecond)
	close(f.block)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Same(t, results[0], results[1])
}

func TestService_FetchTimeout(t *testing.T) {
	env := newTestEnv(t)
	slow := &slowFetcher{}
	svc := New(livePricing(), env.payloads,
		WithFetchers(slow, usageFetcher("anthropic", `{"model":"claude-opus-4","cost":2}`)),
		WithFetchTimeout(20*time.Millisecond),
	)

	payload, err := svc.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Sources.FetchersFailed)
	assert.Equal(t, 1, payload.Sources.FetchersSucceeded)
}

type slowFetcher struct{}

func (slowFetcher) Name() string { return "openrouter" }

func (slowFetcher) Fetch(ctx context.Context) (*provider.FetchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWriteJSONFile_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	require.NoError(t, writeJSONFile(path, map[string]int{"rows": 3}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rows":3}`, string(data))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".payload-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
