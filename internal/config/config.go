package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrMissingDatabaseURL is returned when no connection string is configured.
var ErrMissingDatabaseURL = eris.New("config: database_url is required (set DATABASE_URL or CATALOG_STORE_DATABASE_URL)")

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Feed       FeedConfig       `yaml:"feed" mapstructure:"feed"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres connection.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// FeedConfig configures the Scryfall feed client.
type FeedConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	BulkType    string `yaml:"bulk_type" mapstructure:"bulk_type"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   int    `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// SyncConfig configures batching and the failed-batch journal.
type SyncConfig struct {
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	BatchAttempts    int    `yaml:"batch_attempts" mapstructure:"batch_attempts"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	JournalPath      string `yaml:"journal_path" mapstructure:"journal_path"`
}

// MonitoringConfig configures run alerts.
type MonitoringConfig struct {
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	ParseSkipThreshold int    `yaml:"parse_skip_threshold" mapstructure:"parse_skip_threshold"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("feed.base_url", "https://api.scryfall.com")
	v.SetDefault("feed.bulk_type", "default_cards")
	v.SetDefault("feed.user_agent", "catalog-sync/1.0")
	v.SetDefault("feed.timeout_secs", 600)
	v.SetDefault("feed.rate_limit", 10)
	v.SetDefault("sync.batch_size", 200)
	v.SetDefault("sync.batch_attempts", 2)
	v.SetDefault("sync.initial_backoff_ms", 500)
	v.SetDefault("sync.max_backoff_ms", 5000)
	v.SetDefault("sync.journal_path", "catalog-sync-journal.db")
	v.SetDefault("monitoring.parse_skip_threshold", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// The bare DATABASE_URL is what deployments of the catalog already export.
	if cfg.Store.DatabaseURL == "" {
		cfg.Store.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Mode is one of "sync",
// "migrate", "status", "batches" or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "sync", "serve":
		if c.Store.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
		if c.Sync.BatchSize < 1 || c.Sync.BatchSize > 10000 {
			problems = append(problems, "sync.batch_size must be between 1 and 10000")
		}
		if c.Sync.BatchAttempts < 1 {
			problems = append(problems, "sync.batch_attempts must be >= 1")
		}
		if c.Feed.BaseURL == "" {
			problems = append(problems, "feed.base_url is required")
		}
		if c.Feed.BulkType == "" {
			problems = append(problems, "feed.bulk_type is required")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "migrate", "status", "batches":
		if c.Store.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.MaxConns < 1 {
		problems = append(problems, "store.max_conns must be >= 1")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
