// Package dispatcher accepts search requests and fans them out as product
// detail tasks.
//
// A search claims its request lock, records the request meta, resolves hits
// from the search cache or a live search, enqueues one task per hit, then
// commits the header with the total and releases the lock in one batch. Only
// live searches draw on the search rate limit.
package dispatcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/cache"
	"github.com/JakeFAU/realtime-product-stream/internal/clock/system"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/lock"
	"github.com/JakeFAU/realtime-product-stream/internal/logging"
	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/progress"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
	"github.com/JakeFAU/realtime-product-stream/internal/replystream"
	"github.com/JakeFAU/realtime-product-stream/internal/worker"
)

// LimiterKey is the rate limiter bucket shared by all searches.
const LimiterKey = "search"

// Searcher runs a live search. *search.Searcher satisfies it.
type Searcher interface {
	Sources() []product.Source
	Search(ctx context.Context, keyword string) ([]product.Hit, error)
}

// Limiter admits work per key. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(key string) bool
}

// Route is where the tasks of one source are sent.
type Route struct {
	Queue string `mapstructure:"queue"`
	URL   string `mapstructure:"url"`
}

// Deps are the collaborators of a Dispatcher. Limiter and Progress are
// optional.
type Deps struct {
	Store    docstore.Store
	Locks    *lock.Manager
	Searches *cache.SearchCache
	Replies  *replystream.Writer
	Searcher Searcher
	Queue    queue.Queue
	Routes   map[product.Source]Route
	IDs      product.IDGenerator
	Limiter  Limiter
	Progress progress.Emitter
	Clock    product.Clock
	Logger   *zap.Logger
}

// Dispatcher handles search requests.
type Dispatcher struct {
	store    docstore.Store
	locks    *lock.Manager
	searches *cache.SearchCache
	replies  *replystream.Writer
	searcher Searcher
	queue    queue.Queue
	routes   map[product.Source]Route
	ids      product.IDGenerator
	limiter  Limiter
	progress progress.Emitter
	clock    product.Clock
	logger   *zap.Logger
}

// New validates deps and builds a Dispatcher. Every source the searcher
// covers needs a route.
func New(deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("dispatcher: store is required")
	case deps.Locks == nil:
		return nil, fmt.Errorf("dispatcher: lock manager is required")
	case deps.Searches == nil:
		return nil, fmt.Errorf("dispatcher: search cache is required")
	case deps.Replies == nil:
		return nil, fmt.Errorf("dispatcher: reply writer is required")
	case deps.Searcher == nil:
		return nil, fmt.Errorf("dispatcher: searcher is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("dispatcher: queue is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("dispatcher: id generator is required")
	}
	for _, src := range deps.Searcher.Sources() {
		route, ok := deps.Routes[src]
		if !ok || route.Queue == "" || route.URL == "" {
			return nil, fmt.Errorf("dispatcher: no queue route for %s", src)
		}
	}
	d := &Dispatcher{
		store:    deps.Store,
		locks:    deps.Locks,
		searches: deps.Searches,
		replies:  deps.Replies,
		searcher: deps.Searcher,
		queue:    deps.Queue,
		routes:   deps.Routes,
		ids:      deps.IDs,
		limiter:  deps.Limiter,
		progress: deps.Progress,
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
	if d.progress == nil {
		d.progress = progress.Nop{}
	}
	if d.clock == nil {
		d.clock = system.Clock{}
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	return d, nil
}

// Dispatch runs one search request. A nil error means every task was
// enqueued and the header records the total. Errors are *product.Error; an
// unexpected one after the lock was claimed is also recorded in the header.
func (d *Dispatcher) Dispatch(ctx context.Context, req product.SearchRequest) error {
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.CreatedAt.IsZero() {
		req.CreatedAt = d.clock.Now()
	}
	tr := progress.Track(d.progress, d.clock, req.RequestID, "", LimiterKey)
	logger := logging.ForTask(d.logger, req.RequestID, "").With(zap.String("keyword", req.Search.Keyword))

	if err := req.Validate(); err != nil {
		return d.reject(tr, logger, err)
	}
	exists, err := d.locks.Exists(ctx, req.RequestID)
	if err != nil {
		return d.reject(tr, logger, product.Wrap(product.CodeUnexpected, err))
	}
	if exists {
		return d.reject(tr, logger, product.Errorf(product.CodeLockConflict, "request %s is already being processed", req.RequestID))
	}
	if err := d.locks.Acquire(ctx, req.RequestID); err != nil {
		return d.reject(tr, logger, product.Wrap(product.CodeUnexpected, err))
	}
	if err := d.replies.WriteMeta(ctx, req); err != nil {
		return d.reject(tr, logger, product.Wrap(product.CodeUnexpected, err))
	}
	tr.Step(progress.StageLockChecked)

	total, err := d.fanOut(ctx, tr, logger, req)
	if err != nil && product.CodeOf(err) == product.CodeRateLimitExceeded {
		if rerr := d.withdraw(ctx, req.RequestID); rerr != nil {
			return d.reject(tr, logger, product.Wrap(product.CodeUnexpected, rerr))
		}
		return d.reject(tr, logger, err)
	}
	if err != nil {
		d.recordError(ctx, logger, req.RequestID, err)
		return d.reject(tr, logger, product.Wrap(product.CodeUnexpected, err))
	}
	tr.Done(http.StatusNoContent, "success")
	logger.Info("search dispatched", zap.Int("total", total))
	return nil
}

// fanOut covers the steps whose failure is reported through the header.
func (d *Dispatcher) fanOut(ctx context.Context, tr *progress.Tracker, logger *zap.Logger, req product.SearchRequest) (int, error) {
	key, err := d.searches.Key(req.Search.Keyword, d.searcher.Sources())
	if err != nil {
		return 0, err
	}
	entry, hit, err := d.searches.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	metrics.ObserveCacheLookup("search", hit)

	var hits []product.Hit
	if hit {
		tr.Step(progress.StageCached)
		hits = entry.List()
	} else {
		if d.limiter != nil && !d.limiter.Allow(LimiterKey) {
			return 0, product.NewError(product.CodeRateLimitExceeded, "search rate limit exceeded")
		}
		tr.Step(progress.StageFetching)
		hits, err = d.searcher.Search(ctx, req.Search.Keyword)
		if err != nil {
			return 0, fmt.Errorf("live search: %w", err)
		}
	}
	hits = dropReserved(logger, hits)
	logger.Debug("search resolved", zap.Bool("cached", hit), zap.Int("hits", len(hits)))

	for _, h := range hits {
		if err := d.enqueue(ctx, req.RequestID, h); err != nil {
			return 0, err
		}
	}

	batch := d.store.Batch()
	if !hit && len(hits) > 0 {
		d.searches.Put(batch, key, hits)
	}
	d.replies.PutTotal(batch, req.RequestID, len(hits), req.Search)
	d.locks.Release(batch, req.RequestID)
	if err := batch.Commit(ctx); err != nil {
		return 0, err
	}
	tr.Step(progress.StageWritten)
	return len(hits), nil
}

func (d *Dispatcher) enqueue(ctx context.Context, requestID string, h product.Hit) error {
	route, ok := d.routes[h.Source]
	if !ok {
		return fmt.Errorf("no queue route for %s", h.Source)
	}
	taskID, err := d.ids.NewID()
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	body, err := worker.EncodeTask(product.Task{
		TaskID: taskID,
		Product: product.TaskProduct{
			ProductID:  h.ItemID,
			ProductURL: h.URL,
			Source:     h.Source,
		},
	})
	if err != nil {
		return err
	}
	req := queue.Request{
		URL:    route.URL,
		Method: http.MethodPost,
		Header: http.Header{
			product.RequestIDHeader: {requestID},
			"Content-Type":          {"application/json"},
		},
		Body: body,
	}
	if err := d.queue.Enqueue(ctx, route.Queue, req); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", h.Source, h.ItemID, err)
	}
	metrics.ObserveEnqueued(string(h.Source))
	return nil
}

// dropReserved removes hits whose item id collides with a control document
// of the reply collection.
func dropReserved(logger *zap.Logger, hits []product.Hit) []product.Hit {
	kept := hits[:0:0]
	for _, h := range hits {
		if product.IsReservedID(h.ItemID) {
			logger.Warn("skipping hit with reserved item id", zap.String("item_id", h.ItemID), zap.String("source", string(h.Source)))
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

// withdraw undoes an accepted request that could not start: the meta record
// and the lock go in one batch.
func (d *Dispatcher) withdraw(ctx context.Context, requestID string) error {
	batch := d.store.Batch()
	d.replies.DiscardMeta(batch, requestID)
	d.locks.Release(batch, requestID)
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("withdraw %s: %w", requestID, err)
	}
	return nil
}

// recordError writes the error header and releases the lock. A failure here
// leaves the lock in place and is only logged.
func (d *Dispatcher) recordError(ctx context.Context, logger *zap.Logger, requestID string, cause error) {
	batch := d.store.Batch()
	d.replies.PutError(batch, requestID, replystream.HeaderError{
		Code:    product.CodeUnexpected,
		Message: cause.Error(),
	})
	d.locks.Release(batch, requestID)
	if err := batch.Commit(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to record dispatch error", zap.NamedError("cause", cause), zap.Error(err))
	}
}

func (d *Dispatcher) reject(tr *progress.Tracker, logger *zap.Logger, err error) error {
	perr := product.AsError(err, product.CodeUnexpected)
	status := perr.Code.Status()
	tr.Reject(status, string(perr.Code))
	if status >= http.StatusInternalServerError {
		logger.Error("search failed", zap.String("code", string(perr.Code)), zap.Error(err))
	} else {
		logger.Info("search rejected", zap.String("code", string(perr.Code)), zap.String("message", perr.Message))
	}
	return perr
}
