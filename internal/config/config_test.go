package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "remindd.db", cfg.DBPath)
	assert.Equal(t, 50, cfg.Quota.PerChannel)
	assert.Equal(t, 250, cfg.Quota.PerGuild)
	assert.False(t, cfg.DebugMode)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remindd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
db_path: /var/lib/remindd/remindd.db
tick: 500ms
debug_mode: true
quota:
  per_channel: 10
  per_guild: 40
gateway:
  webhook_url: https://example.com/hook
  timeout: 10s
  rate_per_sec: 2
  burst: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/var/lib/remindd/remindd.db", cfg.DBPath)
	assert.Equal(t, "500ms", cfg.Tick)
	assert.True(t, cfg.DebugMode)
	assert.Equal(t, 10, cfg.Quota.PerChannel)
	assert.Equal(t, 40, cfg.Quota.PerGuild)
	assert.Equal(t, "https://example.com/hook", cfg.Gateway.WebhookURL)
	assert.Equal(t, 2.0, cfg.Gateway.RatePerSec)
}

func TestLoadUnknownFieldFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remindd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus_field: 1\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadPartialFileKeepsOtherDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remindd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":7070\"\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, "remindd.db", cfg.DBPath)
	assert.Equal(t, 50, cfg.Quota.PerChannel)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("tick", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDuration("tick", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDuration("tick", "soon", time.Second)
	assert.Error(t, err)

	d, err = ParseDuration("tick", "0s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}
