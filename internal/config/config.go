// Package config loads process settings from an optional TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Memory backends.
const (
	MemoryBackendMemory   = "memory"
	MemoryBackendSQLite   = "sqlite"
	MemoryBackendPostgres = "postgres"
)

type Config struct {
	Environment string     `toml:"environment"`
	LogLevel    slog.Level `toml:"-"`
	LogLevelRaw string     `toml:"log_level"`

	RedisURL  string `toml:"redis_url"`
	ScenesDir string `toml:"scenes_dir"`

	MemoryBackend string `toml:"memory_backend"`
	MemoryDSN     string `toml:"memory_dsn"`

	AutoBackup bool `toml:"auto_backup"`
	MaxBackups int  `toml:"max_backups"`

	// DevMode enables scene script hot reload.
	DevMode bool `toml:"dev_mode"`

	MaxLoopIterations int `toml:"max_loop_iterations"`
}

func defaults() *Config {
	return &Config{
		Environment:       "development",
		LogLevelRaw:       "info",
		RedisURL:          "redis://localhost:6379",
		ScenesDir:         "scenes",
		MemoryBackend:     MemoryBackendMemory,
		AutoBackup:        true,
		MaxBackups:        10,
		MaxLoopIterations: 100,
	}
}

// Load reads defaults, then the TOML file named by TALEMATE_CONFIG (default
// config.toml, optional), then environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	path := getEnv("TALEMATE_CONFIG", "config.toml")
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.LogLevelRaw = getEnv("LOG_LEVEL", cfg.LogLevelRaw)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.ScenesDir = getEnv("SCENES_DIR", cfg.ScenesDir)
	cfg.MemoryBackend = strings.ToLower(getEnv("MEMORY_BACKEND", cfg.MemoryBackend))
	cfg.MemoryDSN = getEnv("MEMORY_DSN", cfg.MemoryDSN)

	var err error
	if cfg.AutoBackup, err = getEnvBool("AUTO_BACKUP", cfg.AutoBackup); err != nil {
		return nil, err
	}
	if cfg.DevMode, err = getEnvBool("DEV_MODE", cfg.DevMode); err != nil {
		return nil, err
	}
	if cfg.MaxBackups, err = getEnvInt("MAX_BACKUPS", cfg.MaxBackups); err != nil {
		return nil, err
	}
	if cfg.MaxLoopIterations, err = getEnvInt("MAX_LOOP_ITERATIONS", cfg.MaxLoopIterations); err != nil {
		return nil, err
	}

	cfg.LogLevel = parseLogLevel(cfg.LogLevelRaw)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.MemoryBackend {
	case MemoryBackendMemory:
	case MemoryBackendSQLite, MemoryBackendPostgres:
		if c.MemoryDSN == "" {
			errs = append(errs, fmt.Errorf("memory backend %s requires MEMORY_DSN", c.MemoryBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown memory backend: %q", c.MemoryBackend))
	}
	if c.MaxBackups < 0 {
		errs = append(errs, fmt.Errorf("max_backups must not be negative: %d", c.MaxBackups))
	}
	if c.MaxLoopIterations < 0 {
		errs = append(errs, fmt.Errorf("max_loop_iterations must not be negative: %d", c.MaxLoopIterations))
	}
	return errors.Join(errs...)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
