// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-product-stream/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/progress"
	"github.com/JakeFAU/realtime-product-stream/internal/storage/gcs"
	"github.com/JakeFAU/realtime-product-stream/internal/storage/local"
)

// EnvPrefix prefixes every environment override, e.g.
// PRODUCTSTREAM_STORE_BACKEND=redis.
const EnvPrefix = "PRODUCTSTREAM"

// Backend names accepted by the store, queue and storage sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendHTTP     = "http"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"
	BackendNone     = "none"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Logging   LoggingConfig          `mapstructure:"logging"`
	Store     StoreConfig            `mapstructure:"store"`
	Queue     QueueConfig            `mapstructure:"queue"`
	Pool      PoolConfig             `mapstructure:"pool"`
	Browser   BrowserConfig          `mapstructure:"browser"`
	LLM       LLMConfig              `mapstructure:"llm"`
	Cache     CacheConfig            `mapstructure:"cache"`
	Lock      LockConfig             `mapstructure:"lock"`
	RateLimit ratelimit.Config       `mapstructure:"ratelimit"`
	Sources   map[string]RouteConfig `mapstructure:"sources"`
	Storage   StorageConfig          `mapstructure:"storage"`
	Progress  ProgressConfig         `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIKey          string        `mapstructure:"api_key"`
	ServiceName     string        `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the shared document store.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig configures the pgx backed store.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	Channel         string        `mapstructure:"channel"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig configures the go-redis backed store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Prefix   string `mapstructure:"prefix"`
	Channel  string `mapstructure:"channel"`
}

// QueueConfig selects how the dispatcher hands tasks to workers and how a
// worker consumes them.
type QueueConfig struct {
	Backend  string        `mapstructure:"backend"`
	Capacity int           `mapstructure:"capacity"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PubSub   PubSubConfig  `mapstructure:"pubsub"`
	Kafka    KafkaConfig   `mapstructure:"kafka"`
}

// PubSubConfig holds the Pub/Sub project and the worker's subscription.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// KafkaConfig lists brokers and the worker's topic and consumer group.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// PoolConfig bounds concurrent browser sessions.
type PoolConfig struct {
	Size         int `mapstructure:"size"`
	SearchBuffer int `mapstructure:"search_buffer"`
}

// BrowserConfig configures the chromedp session factory.
type BrowserConfig struct {
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// LLMConfig points the fallback extractor at its endpoint. An empty
// endpoint disables it.
type LLMConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Auth     bool          `mapstructure:"auth"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CacheConfig sets the cache lifetimes.
type CacheConfig struct {
	SearchTTL time.Duration `mapstructure:"search_ttl"`
	ItemTTL   time.Duration `mapstructure:"item_ttl"`
}

// LockConfig sets the processing lock lifetime.
type LockConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// RouteConfig names the queue and worker URL for one source.
type RouteConfig struct {
	Queue string `mapstructure:"queue"`
	URL   string `mapstructure:"url"`
}

// StorageConfig selects where page snapshots of failed fetches go.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	GCS     gcs.Config   `mapstructure:"gcs"`
	Local   local.Config `mapstructure:"local"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	Sinks      []string        `mapstructure:"sinks"`
	Collection string          `mapstructure:"collection"`
	Hub        progress.Config `mapstructure:"hub"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.service_name", "product-stream")
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.postgres.table", "documents")
	v.SetDefault("store.postgres.channel", "document_changes")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.prefix", "productstream")
	v.SetDefault("store.redis.channel", "productstream.changes")
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.timeout", "5m")
	v.SetDefault("queue.pubsub.max_outstanding", 4)
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.search_buffer", 64)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.settle_delay", "2s")
	v.SetDefault("llm.timeout", "10s")
	v.SetDefault("cache.search_ttl", "72h")
	v.SetDefault("cache.item_ttl", "24h")
	v.SetDefault("lock.ttl", "10m")
	v.SetDefault("ratelimit.default_rps", 0)
	v.SetDefault("ratelimit.default_burst", 1)
	for _, src := range []string{"ocado", "sainsbury", "zooplus", "pets_at_home", "lilys_kitchen", "vet_shop"} {
		v.SetDefault("sources."+src+".queue", "product-detail-"+strings.ReplaceAll(src, "_", "-"))
		v.SetDefault("sources."+src+".url", "http://localhost:8081/")
	}
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.local.base_dir", "data/snapshots")
	v.SetDefault("storage.gcs.prefix", "snapshots")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.sinks", []string{"log", "prometheus"})
	v.SetDefault("progress.hub.buffer_size", 1024)
	v.SetDefault("progress.hub.max_batch_events", 256)
	v.SetDefault("progress.hub.max_batch_wait", "500ms")
	v.SetDefault("progress.hub.sink_timeout", "5s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Cache.SearchTTL <= 0 || c.Cache.ItemTTL <= 0 {
		return fmt.Errorf("cache ttls must be > 0")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be > 0")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres store")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr must be set for the redis store")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendHTTP:
	case BackendPubSub:
		if c.Queue.PubSub.ProjectID == "" {
			return fmt.Errorf("queue.pubsub.project_id must be set for the pubsub queue")
		}
	case BackendKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue.kafka.brokers must be set for the kafka queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory, BackendLocal:
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	for name, route := range c.Sources {
		if _, err := product.ParseSource(name); err != nil {
			return fmt.Errorf("sources.%s: %w", name, err)
		}
		if route.Queue == "" || route.URL == "" {
			return fmt.Errorf("sources.%s needs both queue and url", name)
		}
	}
	for _, sink := range c.Progress.Sinks {
		switch sink {
		case "log", "prometheus", "store":
		default:
			return fmt.Errorf("progress.sinks: unknown sink %q", sink)
		}
	}
	return nil
}

// Routes returns the per-source queue routes keyed by parsed source.
func (c Config) Routes() map[product.Source]RouteConfig {
	out := make(map[product.Source]RouteConfig, len(c.Sources))
	for name, route := range c.Sources {
		src, err := product.ParseSource(name)
		if err != nil {
			continue
		}
		out[src] = route
	}
	return out
}
