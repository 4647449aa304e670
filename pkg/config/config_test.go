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
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.Session.SaveInterval)
	assert.Equal(t, "localhost:3001", cfg.Relay.Addr)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
relay:
  addr: 0.0.0.0:8080
  flush_interval: 30s
  mdns: true
store:
  driver: bolt
  dsn: /tmp/docs.bolt
session:
  save_interval: 500ms
  load_timeout: -1s
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Relay.Addr)
	assert.Equal(t, 30*time.Second, cfg.Relay.FlushInterval)
	assert.Equal(t, 256, cfg.Relay.SendBuffer)
	assert.True(t, cfg.Relay.MDNS)
	assert.Equal(t, Store{Driver: "bolt", DSN: "/tmp/docs.bolt"}, cfg.Store)
	assert.Equal(t, "ws://localhost:3001/socket", cfg.Session.Endpoint)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.SaveInterval)
	assert.Equal(t, -time.Second, cfg.Session.LoadTimeout)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "relay:\n  adress: nope\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Relay.FlushInterval = 0
	cfg.Store.Driver = "mongo"
	cfg.Session.Endpoint = "http://localhost:3001/socket"
	cfg.Session.LoadTimeout = 0
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{"relay.flush_interval", "store.driver", "session.endpoint", "session.load_timeout"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.Store = Store{Driver: "memory"}
	require.NoError(t, cfg.Validate())
	cfg.Store.Driver = "redis"
	require.Error(t, cfg.Validate())
}
