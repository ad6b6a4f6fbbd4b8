package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "flowrun.db", cfg.Database.DSN)
	assert.True(t, cfg.Queue.Enabled)
	assert.Equal(t, "workflow-runs", cfg.Queue.Name)
	assert.Equal(t, 4, cfg.Queue.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Queue.PollWait)
	assert.Equal(t, 30*time.Second, cfg.Engine.HTTPTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Engine.LeaseTTL)
	assert.Equal(t, "local", cfg.Lock.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "flowrun.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  addr: ":9090"
database:
  driver: postgres
  dsn: "postgres://localhost/flowrun"
queue:
  concurrency: 8
  poll_wait: 2s
log:
  level: debug
`), 0o600))
	t.Setenv("FLOWRUN_QUEUE_NAME", "other")
	t.Setenv("FLOWRUN_LOCK_DRIVER", "redis")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Queue.PollWait)
	assert.Equal(t, "other", cfg.Queue.Name)
	assert.Equal(t, "redis", cfg.Lock.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.UseRedis())
}

func TestLoad_LegacyDisableQueue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DISABLE_QUEUE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Queue.Enabled)
	assert.False(t, cfg.UseRedis())
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FLOWRUN_DATABASE_DRIVER", "mysql")

	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "显式指定的文件必须存在")
}
