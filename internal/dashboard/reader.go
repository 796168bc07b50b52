package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/opscost/opscost/internal/storage"
	"github.com/opscost/opscost/pkg/models"
)

// Payload sources reported in diagnostics
const (
	SourceCache        = "cache"
	SourceKV           = "kv"
	SourceFileFallback = "file-fallback"
)

// ErrNoPayload is returned when no source has a dashboard payload
var ErrNoPayload = errors.New("no dashboard payload available")

// PayloadGetter reads the stored payload
type PayloadGetter interface {
	Get(ctx context.Context, key string) (*models.Payload, error)
}

// PayloadCache is the in-memory layer in front of the datastore
type PayloadCache interface {
	Get(key string) (*models.Payload, bool)
	Set(key string, payload *models.Payload) error
}

// Reader serves the latest payload: cache, then datastore, then a bundled file
type Reader struct {
	store        PayloadGetter
	cache        PayloadCache
	key          string
	fallbackPath string
	logger       *slog.Logger
}

// ReaderOption configures a Reader
type ReaderOption func(*Reader)

// WithCache puts a cache in front of the datastore
func WithCache(c PayloadCache) ReaderOption {
	return func(r *Reader) {
		r.cache = c
	}
}

// WithFallbackPath sets the file read when the datastore has nothing
func WithFallbackPath(path string) ReaderOption {
	return func(r *Reader) {
		r.fallbackPath = path
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader creates a reader for the payload stored under key
func NewReader(store PayloadGetter, key string, opts ...ReaderOption) *Reader {
	r := &Reader{
		store:  store,
		key:    key,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read returns the latest payload and where it came from
func (r *Reader) Read(ctx context.Context) (*models.Payload, models.PayloadDiagnostics, error) {
	if r.cache != nil {
		if payload, ok := r.cache.Get(r.key); ok {
			return payload, models.PayloadDiagnostics{Source: SourceCache}, nil
		}
	}

	payload, err := r.store.Get(ctx, r.key)
	if err == nil {
		if r.cache != nil {
			if cerr := r.cache.Set(r.key, payload); cerr != nil {
				r.logger.Warn("failed to cache dashboard payload",
					slog.String("error", cerr.Error()))
			}
		}
		return payload, models.PayloadDiagnostics{Source: SourceKV}, nil
	}

	warning := "no payload stored yet"
	if !errors.Is(err, storage.ErrNotFound) {
		warning = "datastore read failed"
		r.logger.Warn("failed to read dashboard payload",
			slog.String("key", r.key),
			slog.String("error", err.Error()))
	}

	if r.fallbackPath == "" {
		return nil, models.PayloadDiagnostics{Warning: warning}, ErrNoPayload
	}

	payload, ferr := readFile(r.fallbackPath)
	if ferr != nil {
		r.logger.Warn("failed to read fallback payload",
			slog.String("path", r.fallbackPath),
			slog.String("error", ferr.Error()))
		return nil, models.PayloadDiagnostics{Warning: warning}, ErrNoPayload
	}

	return payload, models.PayloadDiagnostics{
		Source:  SourceFileFallback,
		Warning: warning + "; serving bundled payload",
	}, nil
}

func readFile(path string) (*models.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload models.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &payload, nil
}
