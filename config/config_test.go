package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
namespace: farm-north
api:
  base_url: https://farm.example/api/
  headers:
    X-Farm: north
storage:
  driver: redis
  redis:
    addr: redis:6379
    db: 2
codecs:
  queue: cbor
queue:
  max_retries: 5
  backoff_base: 2s
  backoff_max: 1m
sync:
  resources: [animals, treatments]
  poll_interval: 45s
  generations: redis
log:
  driver: logrus
  level: debug
  format: json
`

func TestParseOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "farm-north", cfg.Namespace)
	assert.Equal(t, "https://farm.example/api/", cfg.API.BaseURL)
	assert.Equal(t, "north", cfg.API.Headers["X-Farm"])
	assert.Equal(t, 30*time.Second, cfg.API.Timeout, "untouched fields keep defaults")
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 2, cfg.Storage.Redis.DB)
	assert.Equal(t, "cbor", cfg.Codecs.Queue)
	assert.Equal(t, "msgpack", cfg.Codecs.Lineage)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, []string{"animals", "treatments"}, cfg.Sync.Resources)
	assert.Equal(t, 45*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, "logrus", cfg.Log.Driver)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("storage:\n  drvier: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drvier")
}

func TestEmptyDocumentIsDefault(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Namespace = "a:b"
	cfg.Storage.Driver = "leveldb"
	cfg.Codecs.Records = "xml"
	cfg.Log.Driver = "glog"
	cfg.Queue.BackoffBase = time.Minute
	cfg.Queue.BackoffMax = time.Second

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"namespace", "storage.driver", "codecs.records", "log.driver", "backoff_max"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HERDSYNC_API_BASE_URL":       "http://10.0.0.5/api",
		"HERDSYNC_STORAGE_DRIVER":     "bigcache",
		"HERDSYNC_SYNC_RESOURCES":     " animals, ,vaccinations ",
		"HERDSYNC_SYNC_POLL_INTERVAL": "2m",
		"HERDSYNC_REDIS_DB":           "3",
		"HERDSYNC_OFFLINE":            "true",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))

	assert.Equal(t, "http://10.0.0.5/api", cfg.API.BaseURL)
	assert.Equal(t, DriverBigcache, cfg.Storage.Driver)
	assert.Equal(t, []string{"animals", "vaccinations"}, cfg.Sync.Resources)
	assert.Equal(t, 2*time.Minute, cfg.Sync.PollInterval)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.True(t, cfg.Offline)

	bad := Default()
	err := bad.ApplyEnv(func(k string) (string, bool) { return "soon", k == "HERDSYNC_API_TIMEOUT" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HERDSYNC_API_TIMEOUT")
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herdsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("HERDSYNC_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "farm-north", cfg.Namespace)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
