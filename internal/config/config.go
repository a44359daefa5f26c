// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"viewsync/internal/flush"
	"viewsync/pkg/logger"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is the process configuration.
type Config struct {
	Logger   logger.Config
	Engine   Engine
	Store    string
	Postgres Postgres
	SQLite   SQLite
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string
}

// Engine tunes the flush engine.
type Engine struct {
	TemplateCacheSize int
	// StatementCacheSize bounds the compiled SQL cache of SQL stores.
	StatementCacheSize int
	// CollectionStatements is nil when the store decides.
	CollectionStatements *bool
}

// FlushOptions converts the engine settings. ok is false when collection
// statements are left to the store.
func (e Engine) FlushOptions() (opts flush.Options, ok bool) {
	opts.TemplateCacheSize = e.TemplateCacheSize
	if e.CollectionStatements == nil {
		return opts, false
	}
	opts.CollectionStatements = *e.CollectionStatements
	return opts, true
}

// Postgres configures the PostgreSQL pool.
type Postgres struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// SQLite configures the SQLite database.
type SQLite struct {
	Path string
}

// FromEnv reads the configuration. Unparsable values fall back to their
// defaults; a store that lacks its connection setting is an error.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Logger: logger.Config{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnv("APP_ENV", "development") == "development",
		},
		Engine: Engine{
			TemplateCacheSize:  getEnvInt("VIEWSYNC_TEMPLATE_CACHE_SIZE", flush.DefaultTemplateCacheSize),
			StatementCacheSize: getEnvInt("VIEWSYNC_STATEMENT_CACHE_SIZE", 1024),
		},
		Store: getEnv("VIEWSYNC_STORE", StoreMemory),
		Postgres: Postgres{
			DSN:             os.Getenv("DATABASE_URL"),
			MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns:        int32(getEnvInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
		},
		SQLite: SQLite{
			Path: getEnv("SQLITE_PATH", "viewsync.db"),
		},
		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}
	if v := os.Getenv("VIEWSYNC_COLLECTION_STATEMENTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.Engine.CollectionStatements = &b
		}
	}

	switch cfg.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.Postgres.DSN == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the %s store", StorePostgres)
		}
	default:
		return nil, fmt.Errorf("unknown VIEWSYNC_STORE %q", cfg.Store)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
