package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeSettings(t *testing.T, home, content string) {
	t.Helper()
	dir := filepath.Join(home, ".conveyor")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(content), 0o644))
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg := loadConfig()
	assert.Equal(t, filepath.Join(home, ".conveyor", "conveyor.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.True(t, cfg.EnableCron)
	assert.Zero(t, cfg.MaxPerUser)
	assert.Zero(t, cfg.MaxGlobal)
}

func TestLoadConfig_SettingsFileOverridesDefaults(t *testing.T) {
	home := isolateHome(t)
	writeSettings(t, home, `{
		"db_path": "/tmp/custom.db",
		"log_level": "debug",
		"pool_size": 4,
		"enable_cron": false
	}`)

	cfg := loadConfig()
	assert.Equal(t, "/tmp/custom.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.False(t, cfg.EnableCron)
}

func TestLoadConfig_EnvOverridesSettings(t *testing.T) {
	home := isolateHome(t)
	writeSettings(t, home, `{"log_level": "debug", "pool_size": 4}`)

	t.Setenv("CONVEYOR_LOG_LEVEL", "error")
	t.Setenv("CONVEYOR_POOL_SIZE", "8")
	t.Setenv("CONVEYOR_MAX_PER_USER", "2")
	t.Setenv("CONVEYOR_ENABLE_CRON", "false")

	cfg := loadConfig()
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MaxPerUser)
	assert.False(t, cfg.EnableCron)
}

func TestLoadConfig_MalformedValuesIgnored(t *testing.T) {
	isolateHome(t)

	t.Setenv("CONVEYOR_POOL_SIZE", "not-a-number")
	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestLoadConfig_MalformedSettingsFileIgnored(t *testing.T) {
	home := isolateHome(t)
	writeSettings(t, home, `{broken`)

	cfg := loadConfig()
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}
