// Package worker runs the product detail state machine for one task.
//
// A task is admitted only once per (request, item): the worker checks the
// detail lock, claims it, then either copies the item cache or fetches the
// page. Results, the cache entry and the lock release commit in one batch.
// A failed fetch is recorded on its own and keeps the lock. Only cache misses
// draw on the source's rate limit.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/cache"
	"github.com/JakeFAU/realtime-product-stream/internal/clock/system"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/fetcher"
	"github.com/JakeFAU/realtime-product-stream/internal/lock"
	"github.com/JakeFAU/realtime-product-stream/internal/logging"
	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
	"github.com/JakeFAU/realtime-product-stream/internal/pool"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/progress"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
	"github.com/JakeFAU/realtime-product-stream/internal/replystream"
	"github.com/JakeFAU/realtime-product-stream/internal/storage"
)

// Task outcomes reported to metrics and progress.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCached   = "cached"
	OutcomeRejected = "rejected"
)

// Runner runs fn with a browser session. *pool.Pool satisfies it.
type Runner interface {
	Do(ctx context.Context, fn pool.Func) error
}

// Limiter admits work per source. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(source string) bool
}

// Deps are the collaborators of a Processor. Limiter, Blobs and Progress
// are optional.
type Deps struct {
	Store    docstore.Store
	Locks    *lock.Manager
	Items    *cache.ItemCache
	Replies  *replystream.Writer
	Registry *fetcher.Registry
	Pool     Runner
	Limiter  Limiter
	Blobs    storage.BlobStore
	Progress progress.Emitter
	Clock    product.Clock
	Logger   *zap.Logger
}

// Processor handles product detail tasks.
type Processor struct {
	store    docstore.Store
	locks    *lock.Manager
	items    *cache.ItemCache
	replies  *replystream.Writer
	registry *fetcher.Registry
	pool     Runner
	limiter  Limiter
	blobs    storage.BlobStore
	progress progress.Emitter
	clock    product.Clock
	logger   *zap.Logger
}

// New validates deps and builds a Processor.
func New(deps Deps) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("worker: store is required")
	case deps.Locks == nil:
		return nil, fmt.Errorf("worker: lock manager is required")
	case deps.Items == nil:
		return nil, fmt.Errorf("worker: item cache is required")
	case deps.Replies == nil:
		return nil, fmt.Errorf("worker: reply writer is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("worker: fetcher registry is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("worker: pool is required")
	}
	p := &Processor{
		store:    deps.Store,
		locks:    deps.Locks,
		items:    deps.Items,
		replies:  deps.Replies,
		registry: deps.Registry,
		pool:     deps.Pool,
		limiter:  deps.Limiter,
		blobs:    deps.Blobs,
		progress: deps.Progress,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
	if p.progress == nil {
		p.progress = progress.Nop{}
	}
	if p.clock == nil {
		p.clock = system.Clock{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// DecodeTask parses a task body. requestID comes from the Request-Id header.
// The source name is normalized; an unknown source is left for Validate to
// reject.
func DecodeTask(requestID string, body io.Reader) (product.Task, error) {
	var task product.Task
	if err := json.NewDecoder(body).Decode(&task); err != nil {
		return product.Task{}, product.Errorf(product.CodeValidation, "invalid task body: %v", err)
	}
	task.RequestID = strings.TrimSpace(requestID)
	if src, err := product.ParseSource(string(task.Product.Source)); err == nil {
		task.Product.Source = src
	}
	return task, nil
}

// EncodeTask renders task as a request body.
func EncodeTask(task product.Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(task); err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return buf.Bytes(), nil
}

// Process runs task to completion. A nil error means the task was handled,
// including a fetch failure recorded in the reply stream. Otherwise the
// error is a *product.Error whose code selects the response status.
func (p *Processor) Process(ctx context.Context, task product.Task) error {
	itemID := strings.TrimSpace(task.Product.ProductID)
	source := string(task.Product.Source)
	tr := progress.Track(p.progress, p.clock, task.RequestID, itemID, source)
	logger := logging.ForTask(p.logger, task.RequestID, itemID).With(zap.String("source", source))

	if err := task.Validate(); err != nil {
		return p.reject(tr, logger, source, err)
	}

	key := lock.DetailKey(task.RequestID, itemID)
	exists, err := p.locks.Exists(ctx, key)
	if err != nil {
		return p.reject(tr, logger, source, product.Wrap(product.CodeUnexpected, err))
	}
	if exists {
		return p.reject(tr, logger, source, product.Errorf(product.CodeLockConflict, "item %s is already being processed for request %s", itemID, task.RequestID))
	}
	if err := p.locks.Acquire(ctx, key); err != nil {
		return p.reject(tr, logger, source, product.Wrap(product.CodeUnexpected, err))
	}
	tr.Step(progress.StageLockChecked)

	entry, hit, err := p.items.Get(ctx, task.Product.Source, itemID)
	if err != nil {
		return p.reject(tr, logger, source, product.Wrap(product.CodeUnexpected, err))
	}
	metrics.ObserveCacheLookup("item", hit)
	if hit {
		tr.Step(progress.StageCached)
		batch := p.store.Batch()
		p.replies.PutSuccess(batch, task.RequestID, itemID, entry.Product)
		p.locks.Release(batch, key)
		if err := batch.Commit(ctx); err != nil {
			return p.reject(tr, logger, source, product.Wrap(product.CodeUnexpected, err))
		}
		return p.finish(tr, logger, source, OutcomeCached)
	}

	if p.limiter != nil && !p.limiter.Allow(source) {
		batch := p.store.Batch()
		p.locks.Release(batch, key)
		if err := batch.Commit(ctx); err != nil {
			return p.reject(tr, logger, source, product.Wrap(product.CodeUnexpected, err))
		}
		return p.reject(tr, logger, source, product.Errorf(product.CodeRateLimitExceeded, "rate limit exceeded for %s", source))
	}

	tr.Step(progress.StageFetching)
	prod, ferr, err := p.fetch(ctx, logger, task)
	if err != nil {
		return p.reject(tr, logger, source, product.Wrap(product.CodeUnexpected, err))
	}
	if ferr != nil {
		if err := p.replies.WriteFailure(ctx, task.RequestID, itemID, ferr); err != nil {
			return p.reject(tr, logger, source, product.Wrap(product.CodeUnexpected, err))
		}
		tr.Step(progress.StageWritten)
		logger.Warn("product fetch failed", zap.String("code", string(ferr.Code)), zap.String("message", ferr.Message))
		return p.finish(tr, logger, source, OutcomeFailure)
	}

	batch := p.store.Batch()
	p.replies.PutSuccess(batch, task.RequestID, itemID, prod)
	p.items.Put(batch, task.Product.Source, itemID, prod)
	p.locks.Release(batch, key)
	if err := batch.Commit(ctx); err != nil {
		return p.reject(tr, logger, source, product.Wrap(product.CodeUnexpected, err))
	}
	tr.Step(progress.StageWritten)
	return p.finish(tr, logger, source, OutcomeSuccess)
}

// fetch runs the registered fetcher inside a pool slot. The fetch is
// detached from ctx cancellation so a dropped caller never abandons a
// session mid-page. A non-nil error means no slot or session was obtained.
func (p *Processor) fetch(ctx context.Context, logger *zap.Logger, task product.Task) (product.Product, *product.Error, error) {
	f, err := p.registry.Lookup(task.Product.Source)
	if err != nil {
		return product.Product{}, nil, err
	}

	var (
		prod product.Product
		ferr *product.Error
	)
	err = p.pool.Do(ctx, func(_ context.Context, session browser.Session) error {
		fetchCtx := context.WithoutCancel(product.WithRequestID(ctx, task.RequestID))
		prod, ferr = safeFetch(fetchCtx, f, session, task.Product)
		if ferr != nil {
			p.attachSnapshot(fetchCtx, logger, session, task, ferr)
		}
		return nil
	})
	if err != nil {
		return product.Product{}, nil, fmt.Errorf("run fetch: %w", err)
	}
	return prod, ferr, nil
}

// safeFetch turns a fetcher panic into an unhandled exception failure.
func safeFetch(ctx context.Context, f fetcher.Fetcher, session browser.Session, task product.TaskProduct) (prod product.Product, ferr *product.Error) {
	defer func() {
		if r := recover(); r != nil {
			ferr = product.Errorf(product.CodeUnhandledException, "fetcher panic: %v", r)
		}
	}()
	return f.Fetch(ctx, session, task)
}

// attachSnapshot stores the page the fetch failed on and records where it
// went, together with the task, in the failure meta. Snapshot problems are
// logged and never change the outcome.
func (p *Processor) attachSnapshot(ctx context.Context, logger *zap.Logger, session browser.Session, task product.Task, ferr *product.Error) {
	ferr.WithMeta("payload", task)
	if p.blobs == nil {
		return
	}
	snap, err := session.Snapshot(ctx)
	if err != nil || snap.HTML == "" {
		logger.Debug("no failure snapshot available", zap.Error(err))
		return
	}
	path := storage.SnapshotPath(task.RequestID, task.Product.ProductID, p.clock.Now())
	uri, err := p.blobs.PutObject(ctx, path, storage.SnapshotContentType, strings.NewReader(snap.HTML))
	if err != nil {
		logger.Warn("failed to store failure snapshot", zap.String("path", path), zap.Error(err))
		return
	}
	ferr.WithMeta("snapshotUri", uri)
}

func (p *Processor) reject(tr *progress.Tracker, logger *zap.Logger, source string, err error) error {
	perr := product.AsError(err, product.CodeUnexpected)
	status := perr.Code.Status()
	tr.Reject(status, string(perr.Code))
	metrics.ObserveTask(source, OutcomeRejected)
	if status >= http.StatusInternalServerError {
		logger.Error("task failed", zap.String("code", string(perr.Code)), zap.Error(err))
	} else {
		logger.Info("task rejected", zap.String("code", string(perr.Code)), zap.String("message", perr.Message))
	}
	return perr
}

func (p *Processor) finish(tr *progress.Tracker, logger *zap.Logger, source, outcome string) error {
	tr.Done(http.StatusNoContent, outcome)
	metrics.ObserveTask(source, outcome)
	logger.Info("task done", zap.String("outcome", outcome))
	return nil
}

// Handler adapts p to a queue consumer. The returned status follows the
// HTTP worker contract so consumers can decide on redelivery.
func Handler(p *Processor) queue.Handler {
	return func(ctx context.Context, req queue.Request) int {
		task, err := DecodeTask(req.Header.Get(product.RequestIDHeader), bytes.NewReader(req.Body))
		if err == nil {
			err = p.Process(ctx, task)
		}
		if err != nil {
			return product.CodeOf(err).Status()
		}
		return http.StatusNoContent
	}
}
