package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Claim modes
const (
	ClaimModeAtomic   = "atomic"
	ClaimModeFallback = "fallback"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	AllowSyncRefresh bool   `mapstructure:"allow_sync_refresh"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// QueueConfig holds refresh queue policy
type QueueConfig struct {
	DedupeWindow   time.Duration `mapstructure:"dedupe_window"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	ClaimMode      string        `mapstructure:"claim_mode"`
}

// WorkerConfig holds worker loop policy
type WorkerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
}

// PricingConfig holds pricing table configuration
type PricingConfig struct {
	SourceURL    string        `mapstructure:"source_url"`
	CachePath    string        `mapstructure:"cache_path"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// UsageConfig holds local session log scanning configuration
type UsageConfig struct {
	ScanDirs     []string `mapstructure:"scan_dirs"`
	JSONPaths    []string `mapstructure:"json_paths"`
	MaxFileBytes int64    `mapstructure:"max_file_bytes"`
	MaxFiles     int      `mapstructure:"max_files"`
}

// CatalogConfig points at the configured model list
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// ProvidersConfig holds configuration for usage providers
type ProvidersConfig struct {
	OpenRouter OpenRouterConfig `mapstructure:"openrouter"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Codex      CodexConfig      `mapstructure:"codex"`
}

// OpenRouterConfig holds OpenRouter specific configuration
type OpenRouterConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Enabled bool   `mapstructure:"enabled"`
}

// AnthropicConfig holds Anthropic admin API configuration
type AnthropicConfig struct {
	AdminKey string `mapstructure:"admin_key"`
	BaseURL  string `mapstructure:"base_url"`
	Enabled  bool   `mapstructure:"enabled"`
}

// CodexConfig holds Codex quota configuration
type CodexConfig struct {
	AuthFile string `mapstructure:"auth_file"`
	BaseURL  string `mapstructure:"base_url"`
	AuthURL  string `mapstructure:"auth_url"`
	Enabled  bool   `mapstructure:"enabled"`
}

// DashboardConfig holds dashboard payload storage configuration
type DashboardConfig struct {
	KVKey        string        `mapstructure:"kv_key"`
	OutputPath   string        `mapstructure:"output_path"`
	FallbackPath string        `mapstructure:"fallback_path"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := newViper()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPSCOST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Queue.ClaimMode = strings.ToLower(strings.TrimSpace(cfg.Queue.ClaimMode))
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_sync_refresh", false)

	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "./data/opscost.db")
	v.SetDefault("database.max_conns", 5)

	// Queue defaults
	v.SetDefault("queue.dedupe_window", 30*time.Second)
	v.SetDefault("queue.stale_threshold", 3*time.Minute)
	v.SetDefault("queue.claim_mode", ClaimModeAtomic)

	// Worker defaults
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.max_retries", 3)
	v.SetDefault("worker.backoff_base", 5*time.Second)
	v.SetDefault("worker.backoff_multiplier", 3.0)
	v.SetDefault("worker.job_timeout", 150*time.Second)
	v.SetDefault("worker.fetch_timeout", 60*time.Second)

	// Pricing defaults
	v.SetDefault("pricing.source_url", "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json")
	v.SetDefault("pricing.cache_path", "./data/pricing-cache.json")
	v.SetDefault("pricing.fetch_timeout", 20*time.Second)

	// Usage scan defaults
	v.SetDefault("usage.scan_dirs", []string{})
	v.SetDefault("usage.json_paths", []string{})
	v.SetDefault("usage.max_file_bytes", 5*1024*1024)
	v.SetDefault("usage.max_files", 3000)

	// Provider defaults
	v.SetDefault("providers.openrouter.enabled", true)
	v.SetDefault("providers.openrouter.base_url", "https://openrouter.ai")
	v.SetDefault("providers.anthropic.enabled", true)
	v.SetDefault("providers.anthropic.base_url", "https://api.anthropic.com")
	v.SetDefault("providers.codex.enabled", true)
	v.SetDefault("providers.codex.base_url", "https://chatgpt.com")
	v.SetDefault("providers.codex.auth_url", "https://auth.openai.com")

	// Dashboard defaults
	v.SetDefault("dashboard.kv_key", "ops-cost:latest")
	v.SetDefault("dashboard.cache_ttl", 30*time.Second)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// BindEnv errors are non-fatal but should be logged
	bindEnv := func(key string, envVars ...string) {
		args := append([]string{key}, envVars...)
		if err := v.BindEnv(args...); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", strings.Join(envVars, ",")),
				slog.String("error", err.Error()))
		}
	}

	// Provider credentials from their conventional names
	bindEnv("providers.openrouter.api_key", "OPSCOST_PROVIDERS_OPENROUTER_API_KEY", "OPENROUTER_API_KEY")
	bindEnv("providers.anthropic.admin_key", "OPSCOST_PROVIDERS_ANTHROPIC_ADMIN_KEY", "ANTHROPIC_ADMIN_KEY")
	bindEnv("providers.codex.auth_file", "OPSCOST_PROVIDERS_CODEX_AUTH_FILE", "CODEX_AUTH_FILE")

	// Database
	bindEnv("database.dsn", "OPSCOST_DATABASE_DSN", "DATABASE_URL")
	bindEnv("database.path", "OPSCOST_DATABASE_PATH", "DATABASE_PATH")

	// Logging
	bindEnv("logging.level", "OPSCOST_LOGGING_LEVEL", "LOG_LEVEL")
	bindEnv("logging.format", "OPSCOST_LOGGING_FORMAT", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q (want sqlite or postgres)", c.Database.Driver)
	}

	switch c.Queue.ClaimMode {
	case ClaimModeAtomic, ClaimModeFallback:
	default:
		return fmt.Errorf("unknown queue.claim_mode %q (want atomic or fallback)", c.Queue.ClaimMode)
	}

	durations := map[string]time.Duration{
		"queue.dedupe_window":   c.Queue.DedupeWindow,
		"queue.stale_threshold": c.Queue.StaleThreshold,
		"worker.poll_interval":  c.Worker.PollInterval,
		"worker.backoff_base":   c.Worker.BackoffBase,
		"worker.job_timeout":    c.Worker.JobTimeout,
		"worker.fetch_timeout":  c.Worker.FetchTimeout,
		"pricing.fetch_timeout": c.Pricing.FetchTimeout,
		"dashboard.cache_ttl":   c.Dashboard.CacheTTL,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Queue.StaleThreshold == 0 {
		return fmt.Errorf("queue.stale_threshold must be positive")
	}
	if c.Worker.PollInterval == 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	// A job still running past the stale threshold can be reclaimed by
	// another worker.
	if c.Worker.JobTimeout == 0 || c.Worker.JobTimeout >= c.Queue.StaleThreshold {
		return fmt.Errorf("worker.job_timeout must be positive and below queue.stale_threshold (%s), got %s",
			c.Queue.StaleThreshold, c.Worker.JobTimeout)
	}

	if c.Worker.MaxRetries < 1 {
		return fmt.Errorf("worker.max_retries must be at least 1")
	}
	if c.Worker.BackoffMultiplier < 1 {
		return fmt.Errorf("worker.backoff_multiplier must be at least 1")
	}
	if c.Dashboard.KVKey == "" {
		return fmt.Errorf("dashboard.kv_key is required")
	}

	return nil
}
