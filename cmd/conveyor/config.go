package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all conveyor server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	MaxPerUser  int    `json:"max_per_user"`
	MaxGlobal   int    `json:"max_global"`
	EnableCron  bool   `json:"enable_cron"`
	DispatchMax int    `json:"dispatch_max_attempts"`
}

func defaultConfig() Config {
	return Config{
		DBPath:     filepath.Join(conveyorDir(), "conveyor.db"),
		LogLevel:   "info",
		PoolSize:   10,
		EnableCron: true,
	}
}

func conveyorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

func settingsPath() string {
	return filepath.Join(conveyorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONVEYOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONVEYOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONVEYOR_MAX_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPerUser = n
		}
	}
	if v := os.Getenv("CONVEYOR_MAX_GLOBAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxGlobal = n
		}
	}
	if v := os.Getenv("CONVEYOR_ENABLE_CRON"); v != "" {
		cfg.EnableCron = v == "true" || v == "1"
	}
	if v := os.Getenv("CONVEYOR_DISPATCH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatchMax = n
		}
	}

	return cfg
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
