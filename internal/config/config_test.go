package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsync/internal/flush"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("VIEWSYNC_STORE", "")
	t.Setenv("VIEWSYNC_COLLECTION_STATEMENTS", "")
	t.Setenv("VIEWSYNC_TEMPLATE_CACHE_SIZE", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, flush.DefaultTemplateCacheSize, cfg.Engine.TemplateCacheSize)
	assert.Nil(t, cfg.Engine.CollectionStatements)

	_, ok := cfg.Engine.FlushOptions()
	assert.False(t, ok)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("VIEWSYNC_STORE", StorePostgres)
	t.Setenv("DATABASE_URL", "postgres://localhost/viewsync")
	t.Setenv("DB_MAX_CONN_LIFETIME", "5m")
	t.Setenv("VIEWSYNC_COLLECTION_STATEMENTS", "false")
	t.Setenv("VIEWSYNC_TEMPLATE_CACHE_SIZE", "not-a-number")
	t.Setenv("METRICS_ADDR", ":9090")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Postgres.MaxConnLifetime)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, flush.DefaultTemplateCacheSize, cfg.Engine.TemplateCacheSize)

	opts, ok := cfg.Engine.FlushOptions()
	require.True(t, ok)
	assert.False(t, opts.CollectionStatements)
}

func TestFromEnv_Invalid(t *testing.T) {
	t.Setenv("VIEWSYNC_STORE", StorePostgres)
	t.Setenv("DATABASE_URL", "")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("VIEWSYNC_STORE", "oracle")
	_, err = FromEnv()
	assert.Error(t, err)
}
