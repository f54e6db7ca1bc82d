package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "marc21", cfg.OAI.MetadataPrefix)
	assert.Equal(t, 120, cfg.OAI.TimeoutSecs)
	assert.InDelta(t, 2.0, cfg.OAI.RequestsPerSecond, 0.001)
	assert.Equal(t, "/tmp/marcsync", cfg.Harvest.Dir)
	assert.Equal(t, uint64(512<<20), cfg.Harvest.MinFreeBytes)
	assert.Equal(t, 3, cfg.Sync.RetryAttempts)
	assert.Equal(t, 250, cfg.Sync.RetryBackoffMs)
	assert.Equal(t, 30, cfg.Sync.OpTimeoutSecs)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	yaml := `
store:
  driver: sqlite
  database_url: /var/lib/marcsync/marcsync.db
oai:
  base_url: https://alma.example.org/view/oai/INST/request
  set: fulltest
  requests_per_second: 4
harvest:
  dir: /data/marcsync
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/marcsync/marcsync.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "https://alma.example.org/view/oai/INST/request", cfg.OAI.BaseURL)
	assert.Equal(t, "fulltest", cfg.OAI.Set)
	assert.InDelta(t, 4.0, cfg.OAI.RequestsPerSecond, 0.001)
	assert.Equal(t, "/data/marcsync", cfg.Harvest.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// untouched keys keep their defaults
	assert.Equal(t, "marc21", cfg.OAI.MetadataPrefix)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	t.Setenv("MARCSYNC_STORE_DRIVER", "sqlite")
	t.Setenv("MARCSYNC_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "error", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
