// Package config loads substrate settings from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Config holds runtime settings. All fields have working defaults so the
// substrate runs with an empty environment.
type Config struct {
	DBPath       string        // MEMORY_SUBSTRATE_DB
	Bind         string        // MEMORY_SUBSTRATE_BIND
	Port         int           // MEMORY_SUBSTRATE_PORT
	MaxOpenConns int           // MEMORY_SUBSTRATE_MAX_CONNS
	Retries      int           // MEMORY_SUBSTRATE_WRITE_RETRIES
	Backoff      time.Duration // MEMORY_SUBSTRATE_WRITE_BACKOFF
	EmbedTimeout time.Duration // MEMORY_SUBSTRATE_EMBED_TIMEOUT
	LogLevel     string        // MEMORY_SUBSTRATE_LOG_LEVEL: debug, info, warn, error
}

// FromEnv builds a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		DBPath:       envStr("MEMORY_SUBSTRATE_DB", defaultDBPath()),
		Bind:         envStr("MEMORY_SUBSTRATE_BIND", "127.0.0.1"),
		Port:         envInt("MEMORY_SUBSTRATE_PORT", 8642),
		MaxOpenConns: envInt("MEMORY_SUBSTRATE_MAX_CONNS", 0),
		Retries:      envInt("MEMORY_SUBSTRATE_WRITE_RETRIES", 3),
		Backoff:      envDur("MEMORY_SUBSTRATE_WRITE_BACKOFF", 100*time.Millisecond),
		EmbedTimeout: envDur("MEMORY_SUBSTRATE_EMBED_TIMEOUT", 30*time.Second),
		LogLevel:     envStr("MEMORY_SUBSTRATE_LOG_LEVEL", "info"),
	}
}

// Logger builds the process logger for the configured level. Production
// encoding; the CLI keeps its own plain output.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "substrate.db"
	}
	return filepath.Join(home, ".memory-substrate", "substrate.db")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
