package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithFile(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: test-secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "slice.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Slices.PerTargetCap)
	assert.Equal(t, 8, cfg.Slices.DefaultBudget)
	assert.True(t, cfg.Reconcile.Enabled)
	assert.Equal(t, "@hourly", cfg.Reconcile.Schedule)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 3s
database:
  path: ":memory:"
slices:
  per_target_cap: 5
  default_budget: 20
lock:
  backend: redis
  redis:
    addr: redis:6379
auth:
  dev_bypass: true
log:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Slices.PerTargetCap)
	assert.Equal(t, 20, cfg.Slices.DefaultBudget)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, "redis:6379", cfg.Lock.Redis.Addr)
	assert.True(t, cfg.Auth.DevBypass)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  path: from-file.db
auth:
  jwt_secret: test-secret
`)
	t.Setenv("SLICE_DATABASE_PATH", "from-env.db")
	t.Setenv("SLICE_SLICES_PER_TARGET_CAP", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Slices.PerTargetCap)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no secret without bypass", `auth: {jwt_secret: ""}`},
		{"zero cap", "slices: {per_target_cap: 0}\nauth: {dev_bypass: true}"},
		{"unknown lock backend", "lock: {backend: etcd}\nauth: {dev_bypass: true}"},
		{"redis without addr", "lock: {backend: redis, redis: {addr: \"\"}}\nauth: {dev_bypass: true}"},
		{"bad log level", "log: {level: loud}\nauth: {dev_bypass: true}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
