package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HUDDLE_CONFIG", "")
	t.Setenv("HUDDLE_JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.True(t, cfg.StoreConfigured())
	assert.True(t, cfg.LocalOnly())
	assert.Equal(t, "huddle:changes", cfg.RedisChannel)
	assert.Equal(t, time.Hour, cfg.AvatarURLTTL)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_driver: sqlite
database_url: "file:huddle.db"
jwt_secret: s3cret
avatar_url_ttl: 15m
`), 0o600))
	t.Setenv("HUDDLE_CONFIG", path)
	t.Setenv("API_ADDR", ":9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "file:huddle.db", cfg.DatabaseURL)
	assert.False(t, cfg.LocalOnly())
	assert.Equal(t, 15*time.Minute, cfg.AvatarURLTTL)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("HUDDLE_CONFIG", "")
	t.Setenv("DATABASE_DRIVER", "mysql")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DatabaseDriver")
}

func TestGetenvFallbacks(t *testing.T) {
	t.Setenv("HUDDLE_TEST_INT", "nope")
	t.Setenv("HUDDLE_TEST_BOOL", "maybe")
	t.Setenv("HUDDLE_TEST_DURATION", "soon")

	assert.Equal(t, 7, getenvInt("HUDDLE_TEST_INT", 7))
	assert.True(t, getenvBool("HUDDLE_TEST_BOOL", true))
	assert.Equal(t, time.Second, getenvDuration("HUDDLE_TEST_DURATION", time.Second))
}
