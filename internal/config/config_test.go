package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wultra/powerauth-push-server-sub001/internal/config"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		path := writeConfigFile(t, `
http:
  addr: ":9090"
  read_timeout: 30s
storage:
  path: /var/lib/push/gateway.db
credentials:
  cache_ttl: 15m
dispatch:
  workers: 8
campaign:
  batch_size: 250
fcm:
  data_only: true
hms:
  token_url: https://oauth-login.cloud.huawei.com/oauth2/v3/token
activation:
  base_url: http://powerauth:8080
`)

		cfg, err := config.Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.HTTP.Addr)
		assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
		assert.Equal(t, "/var/lib/push/gateway.db", cfg.Storage.Path)
		assert.Equal(t, 15*time.Minute, cfg.Credentials.CacheTTL)
		assert.Equal(t, 8, cfg.Dispatch.Workers)
		assert.Equal(t, 250, cfg.Campaign.BatchSize)
		assert.True(t, cfg.FCM.DataOnly)
		assert.Equal(t, "https://oauth-login.cloud.huawei.com/oauth2/v3/token", cfg.HMS.TokenURL)
		assert.Equal(t, "http://powerauth:8080", cfg.Activation.BaseURL)
	})

	t.Run("Success - defaults cover an empty file", func(t *testing.T) {
		path := writeConfigFile(t, "")

		cfg, err := config.Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.HTTP.Addr)
		assert.Equal(t, "data/pushgateway.db", cfg.Storage.Path)
		assert.Equal(t, time.Hour, cfg.Credentials.CacheTTL)
		assert.Equal(t, 16, cfg.Dispatch.Workers)
		assert.Equal(t, 100, cfg.Campaign.BatchSize)
		assert.Equal(t, 30*time.Second, cfg.APNS.KeepAlivePing)
		assert.Empty(t, cfg.Activation.BaseURL)
	})

	t.Run("Success - missing file allows env-only configuration", func(t *testing.T) {
		t.Setenv("PUSH_GATEWAY_DISPATCH_WORKERS", "4")

		cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Dispatch.Workers)
	})

	t.Run("Failure - malformed YAML", func(t *testing.T) {
		path := writeConfigFile(t, "http: [not: a map")

		_, err := config.Load(path)
		assert.Error(t, err)
	})

	t.Run("Failure - non-positive workers rejected", func(t *testing.T) {
		path := writeConfigFile(t, "dispatch:\n  workers: 0\n")

		_, err := config.Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dispatch.workers")
	})

	t.Run("Failure - empty storage path rejected", func(t *testing.T) {
		path := writeConfigFile(t, "storage:\n  path: \"\"\n")

		_, err := config.Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.path")
	})
}
