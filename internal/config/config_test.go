package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, BackendMemory, cfg.Store.Backend)
	require.Equal(t, BackendMemory, cfg.Queue.Backend)
	require.Equal(t, 4, cfg.Pool.Size)
	require.Equal(t, 72*time.Hour, cfg.Cache.SearchTTL)
	require.Equal(t, 24*time.Hour, cfg.Cache.ItemTTL)
	require.Equal(t, BackendNone, cfg.Storage.Backend)
	require.Equal(t, 500*time.Millisecond, cfg.Progress.Hub.MaxBatchWait)

	routes := cfg.Routes()
	require.Len(t, routes, 6)
	require.Equal(t, "product-detail-pets-at-home", routes[product.SourcePetsAtHome].Queue)
	require.Equal(t, "http://localhost:8081/", routes[product.SourceOcado].URL)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
  api_key: secret
logging:
  development: false
store:
  backend: postgres
  postgres:
    dsn: postgres://stream@localhost/stream
queue:
  backend: kafka
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    topic: product-detail-ocado
    group_id: workers
pool:
  size: 1
cache:
  search_ttl: 1h
lock:
  ttl: 90s
ratelimit:
  default_rps: 2
  per_source:
    search: 0.5
sources:
  ocado:
    queue: ocado-tasks
    url: https://worker.internal/
storage:
  backend: gcs
  gcs:
    bucket: snapshots-bucket
progress:
  sinks: ["store"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "secret", cfg.Server.APIKey)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "postgres://stream@localhost/stream", cfg.Store.Postgres.DSN)
	require.Equal(t, "documents", cfg.Store.Postgres.Table)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Queue.Kafka.Brokers)
	require.Equal(t, 1, cfg.Pool.Size)
	require.Equal(t, time.Hour, cfg.Cache.SearchTTL)
	require.Equal(t, 24*time.Hour, cfg.Cache.ItemTTL)
	require.Equal(t, 90*time.Second, cfg.Lock.TTL)
	require.InDelta(t, 2.0, cfg.RateLimit.DefaultRPS, 1e-9)
	require.InDelta(t, 0.5, cfg.RateLimit.PerSource["search"], 1e-9)
	require.Equal(t, "ocado-tasks", cfg.Routes()[product.SourceOcado].Queue)
	require.Equal(t, "snapshots-bucket", cfg.Storage.GCS.Bucket)
	require.Equal(t, []string{"store"}, cfg.Progress.Sinks)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PRODUCTSTREAM_POOL_SIZE", "7")
	t.Setenv("PRODUCTSTREAM_STORE_BACKEND", "redis")
	t.Setenv("PRODUCTSTREAM_STORE_REDIS_ADDR", "redis:6380")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Pool.Size)
	require.Equal(t, BackendRedis, cfg.Store.Backend)
	require.Equal(t, "redis:6380", cfg.Store.Redis.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"pool size":      "pool:\n  size: 0\n",
		"store backend":  "store:\n  backend: mongo\n",
		"postgres dsn":   "store:\n  backend: postgres\n",
		"pubsub project": "queue:\n  backend: pubsub\n",
		"kafka brokers":  "queue:\n  backend: kafka\n",
		"gcs bucket":     "storage:\n  backend: gcs\n",
		"unknown source": "sources:\n  tesco:\n    queue: q\n    url: http://w/\n",
		"route url":      "sources:\n  ocado:\n    queue: q\n    url: \"\"\n",
		"progress sink":  "progress:\n  sinks: [\"kafka\"]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
