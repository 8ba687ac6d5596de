package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, config.Broker.HandleTTL)
	assert.Equal(t, 60*time.Second, config.Broker.RefreshMargin)
	assert.Equal(t, ":8080", config.Server.HTTPAddr)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
google:
  client_id: client-1
storage:
  path: /tmp/broker.db
broker:
  handle_ttl: 5m
server:
  http_addr: ":9999"
  read_only: true
logging:
  level: debug
  format: text
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "client-1", config.Google.ClientID)
	assert.Equal(t, "/tmp/broker.db", config.Storage.Path)
	assert.Equal(t, 5*time.Minute, config.Broker.HandleTTL)
	assert.Equal(t, ":9999", config.Server.HTTPAddr)
	assert.True(t, config.Server.ReadOnly)
	assert.Equal(t, "text", config.Logging.Format)

	// Unset fields keep their defaults.
	assert.Equal(t, 60*time.Second, config.Broker.RefreshMargin)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BROKER_SECRET", "s3cret")
	path := writeConfig(t, `
google:
  client_secret: ${TEST_BROKER_SECRET}
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", config.Google.ClientSecret)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "env-client")
	path := writeConfig(t, `
google:
  client_id: file-client
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-client", config.Google.ClientID)
}

func TestLoadRejectsBadFormat(t *testing.T) {
	path := writeConfig(t, `
logging:
  format: xml
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "logging.format")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
