package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	t.Setenv("DATABASE_URL", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.Store.DatabaseURL)
	assert.Equal(t, int32(5), cfg.Store.MaxConns)
	assert.Equal(t, "https://api.scryfall.com", cfg.Feed.BaseURL)
	assert.Equal(t, "default_cards", cfg.Feed.BulkType)
	assert.Equal(t, "catalog-sync/1.0", cfg.Feed.UserAgent)
	assert.Equal(t, 600, cfg.Feed.TimeoutSecs)
	assert.Equal(t, 10, cfg.Feed.RateLimit)
	assert.Equal(t, 200, cfg.Sync.BatchSize)
	assert.Equal(t, 2, cfg.Sync.BatchAttempts)
	assert.Equal(t, "catalog-sync-journal.db", cfg.Sync.JournalPath)
	assert.Equal(t, 100, cfg.Monitoring.ParseSkipThreshold)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  database_url: postgres://localhost/cards
  max_conns: 8
sync:
  batch_size: 50
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/cards", cfg.Store.DatabaseURL)
	assert.Equal(t, int32(8), cfg.Store.MaxConns)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 2, cfg.Sync.BatchAttempts)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("CATALOG_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadBareDatabaseURL(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATABASE_URL", "postgres://env/cards")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/cards", cfg.Store.DatabaseURL)
}

func TestLoadPrefixedDatabaseURLWins(t *testing.T) {
	chdirTemp(t)
	t.Setenv("DATABASE_URL", "postgres://bare/cards")
	t.Setenv("CATALOG_STORE_DATABASE_URL", "postgres://prefixed/cards")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://prefixed/cards", cfg.Store.DatabaseURL)
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Store.MaxConns = 5
	cfg.Feed.BaseURL = "https://api.scryfall.com"
	cfg.Feed.BulkType = "default_cards"
	cfg.Sync.BatchSize = 200
	cfg.Sync.BatchAttempts = 2
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateSync(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("sync"))
}

func TestValidateMissingDatabaseURL(t *testing.T) {
	for _, mode := range []string{"sync", "serve", "migrate", "status", "batches"} {
		cfg := validDefaults()
		cfg.Store.DatabaseURL = ""
		err := cfg.Validate(mode)
		assert.True(t, eris.Is(err, ErrMissingDatabaseURL), mode)
	}
}

func TestValidateBatchBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Sync.BatchSize = 0
	err := cfg.Validate("sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.batch_size must be between 1 and 10000")

	cfg.Sync.BatchSize = 200
	cfg.Sync.BatchAttempts = 0
	err = cfg.Validate("sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.batch_attempts must be >= 1")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Feed.BaseURL = ""
	cfg.Feed.BulkType = ""
	cfg.Store.MaxConns = 0

	err := cfg.Validate("sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed.base_url is required")
	assert.Contains(t, err.Error(), "feed.bulk_type is required")
	assert.Contains(t, err.Error(), "store.max_conns must be >= 1")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// sync does not care about the port
	assert.NoError(t, cfg.Validate("sync"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
