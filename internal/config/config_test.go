package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "python3", cfg.Interpreter)
	assert.Equal(t, 300*time.Second, cfg.ExecTimeout)
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 5*time.Second, cfg.KillGrace)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.SweepPeriod)
	assert.Equal(t, 10000, cfg.HubBufferCap)
	assert.Equal(t, 256, cfg.HubQueueCap)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ces.yaml")
	data := []byte(`
addr: ":9000"
workspace_root: /srv/ces
api_key: hunter2
interpreter: python3.12
exec_timeout: 30s
idle_timeout: 10m
cors_origins:
  - https://app.example.com
`)
	assert.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "/srv/ces", cfg.WorkspaceRoot)
	assert.Equal(t, "hunter2", cfg.APIKey)
	assert.Equal(t, "python3.12", cfg.Interpreter)
	assert.Equal(t, 30*time.Second, cfg.ExecTimeout)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORSOrigins)
	// Untouched fields keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.KillGrace)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CES_ADDR", ":7777")
	t.Setenv("CES_API_KEY", "k")
	t.Setenv("CES_EXEC_TIMEOUT", "45s")
	t.Setenv("CES_ALLOW_LOOPBACK", "true")
	t.Setenv("CES_HUB_QUEUE_CAP", "64")
	t.Setenv("CES_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Addr)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, 45*time.Second, cfg.ExecTimeout)
	assert.True(t, cfg.AllowLoopback)
	assert.Equal(t, 64, cfg.HubQueueCap)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ces.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("addr: \":9000\"\n"), 0o644))
	t.Setenv("CES_ADDR", ":6000")

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Addr)
}
