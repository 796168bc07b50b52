package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/opscost/opscost/pkg/models"
)

// Default loader settings
const (
	DefaultSourceURL    = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"
	DefaultFetchTimeout = 20 * time.Second

	maxTableBytes = 32 * 1024 * 1024
)

// cacheFile is the on-disk fallback format
type cacheFile struct {
	FetchedAt time.Time                  `json:"fetchedAt"`
	SourceURL string                     `json:"sourceUrl"`
	Data      map[string]json.RawMessage `json:"data"`
}

// Loader acquires the pricing table from the live source, falling back to
// the last cached copy.
type Loader struct {
	sourceURL  string
	cachePath  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// LoaderOption configures the loader
type LoaderOption func(*Loader)

// WithSourceURL overrides the live pricing source
func WithSourceURL(url string) LoaderOption {
	return func(l *Loader) {
		l.sourceURL = url
	}
}

// WithCachePath sets where the fallback copy is kept; empty disables caching
func WithCachePath(path string) LoaderOption {
	return func(l *Loader) {
		l.cachePath = path
	}
}

// WithFetchTimeout bounds the live fetch
func WithFetchTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) LoaderOption {
	return func(l *Loader) {
		l.httpClient = client
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) LoaderOption {
	return func(l *Loader) {
		l.now = fn
	}
}

// NewLoader creates a new pricing loader
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		sourceURL:  DefaultSourceURL,
		timeout:    DefaultFetchTimeout,
		httpClient: &http.Client{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load never fails: a missing source and missing cache yield an empty table
// in "unavailable" mode so estimates degrade to 0.
func (l *Loader) Load(ctx context.Context) *Table {
	raw, err := l.fetch(ctx)
	if err == nil {
		fetchedAt := l.now().UTC()
		if err := l.writeCache(fetchedAt, raw); err != nil {
			l.logger.Warn("failed to write pricing cache",
				slog.String("path", l.cachePath),
				slog.String("error", err.Error()))
		}
		return &Table{
			Mode:      models.PricingLive,
			SourceURL: l.sourceURL,
			FetchedAt: fetchedAt,
			Data:      decodeEntries(raw),
		}
	}

	l.logger.Warn("live pricing fetch failed, using cache",
		slog.String("source_url", l.sourceURL),
		slog.String("error", err.Error()))

	cached, cacheErr := l.readCache()
	if cacheErr != nil {
		l.logger.Warn("pricing cache unavailable",
			slog.String("path", l.cachePath),
			slog.String("error", cacheErr.Error()))
		return &Table{
			Mode:      models.PricingUnavailable,
			SourceURL: l.sourceURL,
			Data:      map[string]Entry{},
		}
	}

	return &Table{
		Mode:      models.PricingCache,
		SourceURL: cached.SourceURL,
		FetchedAt: cached.FetchedAt,
		Stale:     true,
		Data:      decodeEntries(cached.Data),
	}
}

func (l *Loader) fetch(ctx context.Context) (map[string]json.RawMessage, error) {
	if l.sourceURL == "" {
		return nil, fmt.Errorf("no pricing source configured")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTableBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode pricing table: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("pricing table is empty")
	}
	return raw, nil
}

func (l *Loader) writeCache(fetchedAt time.Time, raw map[string]json.RawMessage) error {
	if l.cachePath == "" {
		return nil
	}
	data, err := json.Marshal(cacheFile{FetchedAt: fetchedAt, SourceURL: l.sourceURL, Data: raw})
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.cachePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Each writer gets its own temp file; the rename is the only shared step
	tmp, err := os.CreateTemp(dir, ".pricing-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), l.cachePath)
}

func (l *Loader) readCache() (*cacheFile, error) {
	if l.cachePath == "" {
		return nil, fmt.Errorf("no cache path configured")
	}
	data, err := os.ReadFile(l.cachePath)
	if err != nil {
		return nil, err
	}
	var cached cacheFile
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode pricing cache: %w", err)
	}
	if len(cached.Data) == 0 {
		return nil, fmt.Errorf("pricing cache is empty")
	}
	return &cached, nil
}

// decodeEntries decodes each entry on its own so one odd record does not
// discard the table.
func decodeEntries(raw map[string]json.RawMessage) map[string]Entry {
	entries := make(map[string]Entry, len(raw))
	for key, msg := range raw {
		var e Entry
		if err := json.Unmarshal(msg, &e); err != nil {
			continue
		}
		entries[key] = e
	}
	return entries
}
