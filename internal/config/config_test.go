package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// The working directory may hold a developer .env; make sure the keys under test stay unset.
	for key := range defaults {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "./badger_data", cfg.BadgerDBPath)
	assert.True(t, cfg.SyncWrites)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "http://localhost:8080", cfg.AppURL)
	assert.Equal(t, 50, cfg.FeedLimit)
	assert.Equal(t, 8*time.Second, cfg.FetchTimeout)
	assert.EqualValues(t, 2<<20, cfg.FetchMaxBytes)
	assert.Equal(t, 4, cfg.FetchWorkers)
	assert.Equal(t, EngineHTTP, cfg.FetchEngine)
	assert.False(t, cfg.FetchAllowPrivate, "private networks are refused unless enabled")
	assert.Error(t, cfg.RequireBot(), "bot token is required to serve")
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("APP_URL", "https://feeds.example.org/")
	t.Setenv("FETCH_TIMEOUT", "3s")
	t.Setenv("SYNC_WRITES", "false")
	t.Setenv("FETCH_ENGINE", "rod")
	t.Setenv("FETCH_ALLOW_PRIVATE", "true")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.TelegramBotToken)
	assert.NoError(t, cfg.RequireBot())
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "https://feeds.example.org", cfg.AppURL, "trailing slash is trimmed")
	assert.Equal(t, 3*time.Second, cfg.FetchTimeout)
	assert.False(t, cfg.SyncWrites)
	assert.Equal(t, EngineRod, cfg.FetchEngine)
	assert.True(t, cfg.FetchAllowPrivate)
}

func TestLoadConfig_File(t *testing.T) {
	t.Setenv("FEED_LIMIT", "")
	os.Unsetenv("FEED_LIMIT")
	t.Setenv("BADGERDB_PATH", "")
	os.Unsetenv("BADGERDB_PATH")

	dir := t.TempDir()
	yaml := "BADGERDB_PATH: /var/lib/linkfeed\nFEED_LIMIT: 20\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/linkfeed", cfg.BadgerDBPath)
	assert.Equal(t, 20, cfg.FeedLimit)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("FETCH_ENGINE", "curl")
	_, err := LoadConfig(t.TempDir())
	assert.Error(t, err)
}
