// Package app builds the long-lived services shared by the worker and
// dispatcher roles from a config.Config and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/cache"
	"github.com/JakeFAU/realtime-product-stream/internal/clock/system"
	"github.com/JakeFAU/realtime-product-stream/internal/config"
	"github.com/JakeFAU/realtime-product-stream/internal/dispatcher"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	memorystore "github.com/JakeFAU/realtime-product-stream/internal/docstore/memory"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore/postgres"
	redisstore "github.com/JakeFAU/realtime-product-stream/internal/docstore/redis"
	"github.com/JakeFAU/realtime-product-stream/internal/fetcher"
	"github.com/JakeFAU/realtime-product-stream/internal/hash/sha256"
	"github.com/JakeFAU/realtime-product-stream/internal/id/uuid"
	"github.com/JakeFAU/realtime-product-stream/internal/llm"
	"github.com/JakeFAU/realtime-product-stream/internal/lock"
	"github.com/JakeFAU/realtime-product-stream/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-product-stream/internal/pool"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/progress"
	"github.com/JakeFAU/realtime-product-stream/internal/progress/sinks"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
	"github.com/JakeFAU/realtime-product-stream/internal/queue/httpdispatch"
	kafkaqueue "github.com/JakeFAU/realtime-product-stream/internal/queue/kafka"
	memoryqueue "github.com/JakeFAU/realtime-product-stream/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/realtime-product-stream/internal/queue/pubsub"
	"github.com/JakeFAU/realtime-product-stream/internal/replystream"
	"github.com/JakeFAU/realtime-product-stream/internal/search"
	"github.com/JakeFAU/realtime-product-stream/internal/storage"
	"github.com/JakeFAU/realtime-product-stream/internal/storage/gcs"
	"github.com/JakeFAU/realtime-product-stream/internal/storage/local"
	memoryblob "github.com/JakeFAU/realtime-product-stream/internal/storage/memory"
	"github.com/JakeFAU/realtime-product-stream/internal/worker"
)

// Option customizes New.
type Option func(*App)

// WithSessionFactory replaces the chromedp browser.
func WithSessionFactory(f browser.SessionFactory) Option {
	return func(a *App) { a.sessions = f }
}

// WithStore replaces the configured document store.
func WithStore(s docstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRegisterer sets where the prometheus progress sink registers.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithExtractor replaces the LLM client used by the fetchers.
func WithExtractor(e fetcher.Extractor) Option {
	return func(a *App) { a.extractor = e }
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the shared services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      docstore.Store
	blobs      storage.BlobStore
	hub        *progress.Hub
	limiter    *ratelimit.Limiter
	clock      product.Clock
	registerer prometheus.Registerer
	sessions   browser.SessionFactory
	extractor  fetcher.Extractor

	mu       sync.Mutex
	pool     *pool.Pool
	queue    queue.Queue
	memQueue *memoryqueue.Queue
	pubsub   *pubsub.Client
	closers  []closer
}

// New opens the store, blob storage and progress hub named by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		limiter:    ratelimit.New(cfg.RateLimit),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		store, err := openStore(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		a.store = store
		a.onClose("store", func(context.Context) error { return store.Close() })
	}
	if err := a.openBlobs(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.openProgress(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (docstore.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		logger.Info("using postgres document store", zap.String("table", cfg.Postgres.Table))
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			Channel:         cfg.Postgres.Channel,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		}, logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		logger.Info("using redis document store", zap.String("addr", cfg.Redis.Addr))
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
			Channel:  cfg.Redis.Channel,
		}, logger.Named("redis"))
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	case config.BackendMemory, "":
		logger.Info("using in-memory document store; state is lost on exit")
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

func (a *App) openBlobs(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		blobs, closeFn, err := gcs.Open(ctx, a.cfg.Storage.GCS)
		if err != nil {
			return fmt.Errorf("open gcs storage: %w", err)
		}
		a.blobs = blobs
		a.onClose("gcs", func(context.Context) error { return closeFn() })
	case config.BackendLocal:
		blobs, err := local.New(a.cfg.Storage.Local)
		if err != nil {
			return fmt.Errorf("open local storage: %w", err)
		}
		a.blobs = blobs
	case config.BackendMemory:
		a.blobs = memoryblob.NewBlobStore()
	}
	return nil
}

func (a *App) openProgress() error {
	if !a.cfg.Progress.Enabled {
		return nil
	}
	var hubSinks []progress.Sink
	for _, name := range a.cfg.Progress.Sinks {
		switch name {
		case "log":
			hubSinks = append(hubSinks, sinks.NewLogSink(a.logger.Named("progress")))
		case "prometheus":
			sink, err := sinks.NewPrometheusSink(a.registerer)
			if err != nil {
				return fmt.Errorf("progress prometheus sink: %w", err)
			}
			hubSinks = append(hubSinks, sink)
		case "store":
			hubSinks = append(hubSinks, sinks.NewStoreSink(a.store, a.cfg.Progress.Collection, a.logger.Named("progress")))
		default:
			return fmt.Errorf("unknown progress sink: %s", name)
		}
	}
	hubCfg := a.cfg.Progress.Hub
	hubCfg.Logger = a.logger.Named("progress")
	a.hub = progress.NewHub(hubCfg, hubSinks...)
	a.onClose("progress", a.hub.Close)
	return nil
}

// Store returns the shared document store.
func (a *App) Store() docstore.Store { return a.store }

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Blobs returns the snapshot store, or nil when storage is disabled.
func (a *App) Blobs() storage.BlobStore { return a.blobs }

// Progress returns the progress emitter, or nil when progress is disabled.
func (a *App) Progress() progress.Emitter {
	if a.hub == nil {
		return nil
	}
	return a.hub
}

// Reader returns a reply stream reader over the shared store.
func (a *App) Reader() *replystream.Reader {
	return replystream.NewReader(a.store, a.logger.Named("replystream"))
}

// Queue returns the task queue the dispatcher enqueues to.
func (a *App) Queue(ctx context.Context) (queue.Queue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queue != nil {
		return a.queue, nil
	}
	qcfg := a.cfg.Queue
	var q queue.Queue
	switch qcfg.Backend {
	case config.BackendMemory, "":
		q = a.memoryQueueLocked()
	case config.BackendHTTP:
		q = httpdispatch.New(&http.Client{}, qcfg.Timeout, a.logger.Named("httpdispatch"))
	case config.BackendPubSub:
		client, err := a.pubsubLocked(ctx)
		if err != nil {
			return nil, err
		}
		q = pubsubqueue.NewPublisherWithClient(client, a.logger.Named("pubsub"))
	case config.BackendKafka:
		q = kafkaqueue.NewProducer(qcfg.Kafka.Brokers, a.logger.Named("kafka"))
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", qcfg.Backend)
	}
	a.queue = q
	a.closers = append(a.closers, closer{name: "queue", fn: func(context.Context) error { return q.Close() }})
	return q, nil
}

// Consumer returns the source of tasks for a pulling worker. The http
// backend has none: tasks arrive on the worker's HTTP server.
func (a *App) Consumer(ctx context.Context) (queue.Consumer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	qcfg := a.cfg.Queue
	switch qcfg.Backend {
	case config.BackendMemory, "":
		return a.memoryQueueLocked(), nil
	case config.BackendPubSub:
		if qcfg.PubSub.Subscription == "" {
			return nil, errors.New("queue.pubsub.subscription must be set to consume")
		}
		client, err := a.pubsubLocked(ctx)
		if err != nil {
			return nil, err
		}
		return pubsubqueue.NewConsumer(client, qcfg.PubSub.Subscription, qcfg.PubSub.MaxOutstanding, a.logger.Named("pubsub")), nil
	case config.BackendKafka:
		if qcfg.Kafka.Topic == "" || qcfg.Kafka.GroupID == "" {
			return nil, errors.New("queue.kafka.topic and queue.kafka.group_id must be set to consume")
		}
		c := kafkaqueue.NewConsumer(qcfg.Kafka.Brokers, qcfg.Kafka.Topic, qcfg.Kafka.GroupID, a.cfg.Pool.Size, a.logger.Named("kafka"))
		a.closers = append(a.closers, closer{name: "kafka consumer", fn: func(context.Context) error { return c.Close() }})
		return c, nil
	default:
		return nil, fmt.Errorf("queue backend %s cannot be consumed", qcfg.Backend)
	}
}

func (a *App) memoryQueueLocked() *memoryqueue.Queue {
	if a.memQueue == nil {
		a.memQueue = memoryqueue.NewQueue(a.cfg.Queue.Capacity, memoryqueue.WithConcurrency(a.cfg.Pool.Size))
		q := a.memQueue
		a.closers = append(a.closers, closer{name: "memory queue", fn: func(context.Context) error { return q.Close() }})
	}
	return a.memQueue
}

func (a *App) pubsubLocked(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsub != nil {
		return a.pubsub, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Queue.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.pubsub = client
	a.closers = append(a.closers, closer{name: "pubsub", fn: func(context.Context) error { return client.Close() }})
	return client, nil
}

// Pool returns the process-wide browser pool.
func (a *App) Pool() (*pool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		return a.pool, nil
	}
	factory := a.sessions
	if factory == nil {
		bcfg := a.cfg.Browser
		chrome := browser.NewChromedp(browser.Config{
			ExecPath:          bcfg.ExecPath,
			Headless:          bcfg.Headless,
			UserAgent:         bcfg.UserAgent,
			NavigationTimeout: bcfg.NavigationTimeout,
			ActionTimeout:     bcfg.ActionTimeout,
			SettleDelay:       bcfg.SettleDelay,
		})
		a.closers = append(a.closers, closer{name: "browser", fn: func(context.Context) error {
			chrome.Close()
			return nil
		}})
		factory = chrome
	}
	p, err := pool.New(a.cfg.Pool.Size, factory, a.logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("create browser pool: %w", err)
	}
	a.pool = p
	a.closers = append(a.closers, closer{name: "pool", fn: p.Close})
	return p, nil
}

func (a *App) extractorFor(ctx context.Context) (fetcher.Extractor, error) {
	if a.extractor != nil {
		return a.extractor, nil
	}
	if a.cfg.LLM.Endpoint == "" {
		a.logger.Warn("llm endpoint not configured; free-text fallbacks disabled")
		return nil, nil
	}
	client, err := llm.New(ctx, llm.Config{
		Endpoint: a.cfg.LLM.Endpoint,
		Auth:     a.cfg.LLM.Auth,
		Timeout:  a.cfg.LLM.Timeout,
	}, a.logger.Named("llm"))
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return client, nil
}

// Worker builds the product detail processor.
func (a *App) Worker(ctx context.Context) (*worker.Processor, error) {
	p, err := a.Pool()
	if err != nil {
		return nil, err
	}
	extractor, err := a.extractorFor(ctx)
	if err != nil {
		return nil, err
	}
	registry, err := fetcher.NewRegistry(fetcher.Defaults(extractor, a.logger.Named("fetcher")))
	if err != nil {
		return nil, err
	}
	return worker.New(worker.Deps{
		Store:    a.store,
		Locks:    lock.NewManager(a.store, lock.DetailCollection, lock.WithTTL(a.cfg.Lock.TTL), lock.WithClock(a.clock)),
		Items:    cache.NewItemCache(a.store, a.clock, a.cfg.Cache.ItemTTL),
		Replies:  replystream.NewWriter(a.store, a.clock),
		Registry: registry,
		Pool:     p,
		Limiter:  a.limiter,
		Blobs:    a.Blobs(),
		Progress: a.Progress(),
		Clock:    a.clock,
		Logger:   a.logger.Named("worker"),
	})
}

// Dispatcher builds the search dispatcher.
func (a *App) Dispatcher(ctx context.Context) (*dispatcher.Dispatcher, error) {
	p, err := a.Pool()
	if err != nil {
		return nil, err
	}
	q, err := a.Queue(ctx)
	if err != nil {
		return nil, err
	}
	searcher, err := search.New(p, []search.Provider{
		&search.Ocado{Logger: a.logger.Named("search.ocado")},
		&search.Sainsbury{Logger: a.logger.Named("search.sainsbury")},
	}, a.cfg.Pool.SearchBuffer, a.logger.Named("search"))
	if err != nil {
		return nil, err
	}
	routes := make(map[product.Source]dispatcher.Route)
	for src, r := range a.cfg.Routes() {
		routes[src] = dispatcher.Route{Queue: r.Queue, URL: r.URL}
	}
	return dispatcher.New(dispatcher.Deps{
		Store:    a.store,
		Locks:    lock.NewManager(a.store, lock.SearchCollection, lock.WithTTL(a.cfg.Lock.TTL), lock.WithClock(a.clock)),
		Searches: cache.NewSearchCache(a.store, sha256.New(), a.clock, a.cfg.Cache.SearchTTL),
		Replies:  replystream.NewWriter(a.store, a.clock),
		Searcher: searcher,
		Queue:    q,
		Routes:   routes,
		IDs:      uuid.New(),
		Limiter:  a.limiter,
		Progress: a.Progress(),
		Clock:    a.clock,
		Logger:   a.logger.Named("dispatcher"),
	})
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close shuts services down in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", closers[i].name), zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
