package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	require.NoError(t, Load(""))

	cfg := Get()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, 16, cfg.Cache.Shards)
	assert.Equal(t, 1, cfg.Concurrency.FileWorkers)
	assert.Equal(t, time.Duration(0), cfg.Batch.FileTimeout)
	assert.Equal(t, "en", cfg.Engines.DefaultLang)
	assert.Equal(t, "PaddleOCR-VL", cfg.Engines.VL.Model)
	assert.Equal(t, uint32(3), cfg.Engines.Breaker.MinRequests)
	assert.False(t, cfg.Reindexer.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
store:
  driver: redis
concurrency:
  file_workers: 4
batch:
  file_timeout: 45s
engines:
  vl:
    model: qwen-vl
`)
	t.Setenv("APP_REDIS_ADDR", "redis:6380")
	t.Setenv("APP_VL_MODEL", "override-vl")

	require.NoError(t, Reload(path))

	cfg := Get()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, StoreRedis, cfg.Store.Driver)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Concurrency.FileWorkers)
	assert.Equal(t, 45*time.Second, cfg.Batch.FileTimeout)
	assert.Equal(t, "override-vl", cfg.Engines.VL.Model)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"unknown driver": "store:\n  driver: mongo\n",
		"bad port":       "server:\n  port: 70000\n",
		"zero workers":   "concurrency:\n  file_workers: 0\n",
		"bad log level":  "logging:\n  level: verbose\n",
		"bad endpoint":   "engines:\n  structure:\n    endpoint: not a url\n",
		"bad ratio":      "engines:\n  breaker:\n    failure_ratio: 1.5\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			err := Reload(writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	err := Reload(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestReindexerDriverRequiresDSN(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: reindexer\nreindexer:\n  dsn: \"\"\n")
	err := Reload(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSN")
}
