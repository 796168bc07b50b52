// Package bootstrap builds the shared object graph used by the server,
// worker and CLI binaries from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opscost/opscost/internal/cache"
	"github.com/opscost/opscost/internal/catalog"
	"github.com/opscost/opscost/internal/config"
	"github.com/opscost/opscost/internal/dashboard"
	"github.com/opscost/opscost/internal/postgres"
	"github.com/opscost/opscost/internal/pricing"
	"github.com/opscost/opscost/internal/provider"
	"github.com/opscost/opscost/internal/provider/anthropic"
	"github.com/opscost/opscost/internal/provider/codex"
	"github.com/opscost/opscost/internal/provider/openrouter"
	"github.com/opscost/opscost/internal/queue"
	"github.com/opscost/opscost/internal/refresh"
	"github.com/opscost/opscost/internal/storage"
	"github.com/opscost/opscost/internal/usage"
	"github.com/opscost/opscost/internal/worker"
	"github.com/opscost/opscost/pkg/models"
)

// PayloadStore reads and writes the dashboard payload
type PayloadStore interface {
	Put(ctx context.Context, key string, payload *models.Payload) error
	Get(ctx context.Context, key string) (*models.Payload, error)
}

// SyncLogStore records and lists provider fetch attempts
type SyncLogStore interface {
	Record(ctx context.Context, entry *models.SyncLogEntry) error
	Recent(ctx context.Context, limit int) ([]*models.SyncLogEntry, error)
}

// App holds the wired components
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Queue     *queue.Queue
	Payloads  PayloadStore
	SyncLog   SyncLogStore
	Cache     *cache.PayloadCache
	Dashboard *dashboard.Reader
	Refresh   *refresh.Service
	ModelRefs []models.ConfiguredModelRef

	closers []func()
}

// New opens the datastore, applies migrations and wires every component
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}

	refreshStore, err := app.openStores(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Queue = queue.New(refreshStore,
		queue.WithLogger(logger),
		queue.WithDedupeWindow(cfg.Queue.DedupeWindow),
		queue.WithStaleThreshold(cfg.Queue.StaleThreshold),
		queue.WithClaimMode(queue.ClaimMode(cfg.Queue.ClaimMode)))

	app.Cache, err = cache.New(cache.DefaultMaxCostBytes, cfg.Dashboard.CacheTTL)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, app.Cache.Close)

	app.Dashboard = dashboard.NewReader(app.Payloads, cfg.Dashboard.KVKey,
		dashboard.WithCache(app.Cache),
		dashboard.WithFallbackPath(cfg.Dashboard.FallbackPath),
		dashboard.WithLogger(logger))

	if cfg.Catalog.Path != "" {
		refs, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			logger.Warn("failed to load model catalog, continuing without configured models",
				slog.String("path", cfg.Catalog.Path),
				slog.String("error", err.Error()))
		} else {
			app.ModelRefs = refs
		}
	}

	loader := pricing.NewLoader(
		pricing.WithSourceURL(cfg.Pricing.SourceURL),
		pricing.WithCachePath(cfg.Pricing.CachePath),
		pricing.WithFetchTimeout(cfg.Pricing.FetchTimeout),
		pricing.WithLogger(logger))

	scanner := usage.NewScanner(
		usage.WithDirs(cfg.Usage.ScanDirs...),
		usage.WithFiles(cfg.Usage.JSONPaths...),
		usage.WithMaxFileBytes(cfg.Usage.MaxFileBytes),
		usage.WithMaxFiles(cfg.Usage.MaxFiles),
		usage.WithLogger(logger))

	app.Refresh = refresh.New(loader, app.Payloads,
		refresh.WithFetchers(Fetchers(cfg, logger)...),
		refresh.WithScanner(scanner),
		refresh.WithModelRefs(app.ModelRefs),
		refresh.WithSyncLog(app.SyncLog),
		refresh.WithCache(app.Cache),
		refresh.WithKVKey(cfg.Dashboard.KVKey),
		refresh.WithOutputPath(cfg.Dashboard.OutputPath),
		refresh.WithFetchTimeout(cfg.Worker.FetchTimeout),
		refresh.WithLogger(logger))

	return app, nil
}

// openStores connects the configured datastore and returns the job store
func (a *App) openStores(ctx context.Context) (queue.Store, error) {
	cfg := a.Config.Database

	switch cfg.Driver {
	case config.DriverPostgres:
		if err := postgres.RunMigrations(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		a.Payloads = postgres.NewPayloadStore(pool)
		a.SyncLog = postgres.NewSyncLogStore(pool)
		a.Logger.Info("using postgres datastore", slog.Int("max_conns", int(cfg.MaxConns)))
		return postgres.NewRefreshStore(pool), nil

	default:
		db, err := storage.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })

		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		a.Payloads = storage.NewPayloadStore(db)
		a.SyncLog = storage.NewSyncLogStore(db)
		a.Logger.Info("using sqlite datastore", slog.String("path", cfg.Path))
		return storage.NewRefreshStore(db), nil
	}
}

// NewWorker creates a worker loop driving the refresh service
func (a *App) NewWorker(opts ...worker.Option) *worker.Worker {
	cfg := a.Config.Worker
	base := []worker.Option{
		worker.WithLogger(a.Logger),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithMaxRetries(cfg.MaxRetries),
		worker.WithBackoff(cfg.BackoffBase, cfg.BackoffMultiplier),
		worker.WithJobTimeout(cfg.JobTimeout),
	}
	return worker.New(a.Queue, a.Refresh, append(base, opts...)...)
}

// Close releases the datastore and cache, newest first
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Fetchers builds the enabled provider fetchers. Enabled fetchers without
// credentials are kept so each run reports them as skipped.
func Fetchers(cfg *config.Config, logger *slog.Logger) []provider.Fetcher {
	httpClient := &http.Client{Timeout: cfg.Worker.FetchTimeout}
	var fetchers []provider.Fetcher

	p := cfg.Providers
	if p.OpenRouter.Enabled {
		fetchers = append(fetchers, openrouter.NewClient(p.OpenRouter.APIKey,
			openrouter.WithBaseURL(p.OpenRouter.BaseURL),
			openrouter.WithHTTPClient(httpClient)))
	}

	if p.Anthropic.Enabled {
		fetchers = append(fetchers, anthropic.NewClient(p.Anthropic.AdminKey,
			anthropic.WithBaseURL(p.Anthropic.BaseURL),
			anthropic.WithHTTPClient(httpClient)))
	}

	if p.Codex.Enabled {
		authFile := p.Codex.AuthFile
		if authFile == "" {
			authFile = codex.DefaultAuthFile()
		}
		fetchers = append(fetchers, codex.NewClient(authFile,
			codex.WithBaseURL(p.Codex.BaseURL),
			codex.WithAuthURL(p.Codex.AuthURL),
			codex.WithHTTPClient(httpClient)))
	}

	names := make([]string, 0, len(fetchers))
	for _, f := range fetchers {
		names = append(names, f.Name())
	}
	logger.Info("initialized provider fetchers", slog.Any("providers", names))
	return fetchers
}
