package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/browser/browsertest"
	"github.com/JakeFAU/realtime-product-stream/internal/cache"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore/memory"
	"github.com/JakeFAU/realtime-product-stream/internal/fetcher"
	"github.com/JakeFAU/realtime-product-stream/internal/hash/sha256"
	"github.com/JakeFAU/realtime-product-stream/internal/lock"
	"github.com/JakeFAU/realtime-product-stream/internal/pool"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
	memqueue "github.com/JakeFAU/realtime-product-stream/internal/queue/memory"
	"github.com/JakeFAU/realtime-product-stream/internal/replystream"
	"github.com/JakeFAU/realtime-product-stream/internal/worker"
)

type fakeSearcher struct {
	hits  []product.Hit
	err   error
	calls atomic.Int32
}

func (f *fakeSearcher) Sources() []product.Source {
	return []product.Source{product.SourceOcado, product.SourceSainsbury}
}

func (f *fakeSearcher) Search(context.Context, string) ([]product.Hit, error) {
	f.calls.Add(1)
	return append([]product.Hit(nil), f.hits...), f.err
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("task-%d", s.n), nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, string, queue.Request) error {
	return errors.New("broker unavailable")
}

func (failingQueue) Close() error { return nil }

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

var beerHits = []product.Hit{
	{ItemID: "o-1", URL: "https://www.ocado.com/products/o-1", Source: product.SourceOcado},
	{ItemID: "o-2", URL: "https://www.ocado.com/products/o-2", Source: product.SourceOcado},
	{ItemID: "o-3", URL: "https://www.ocado.com/products/o-3", Source: product.SourceOcado},
	{ItemID: "s-1", URL: "/gol-ui/product/s-1", Source: product.SourceSainsbury},
	{ItemID: "s-2", URL: "/gol-ui/product/s-2", Source: product.SourceSainsbury},
}

var routes = map[product.Source]Route{
	product.SourceOcado:     {Queue: "product-detail-ocado", URL: "http://worker/"},
	product.SourceSainsbury: {Queue: "product-detail-sainsbury", URL: "http://worker/"},
}

type env struct {
	store    *memory.Store
	searcher *fakeSearcher
	queue    *memqueue.Queue
	locks    *lock.Manager
	disp     *Dispatcher
}

func newEnv(t *testing.T, q queue.Queue, limiter Limiter) *env {
	t.Helper()
	e := &env{
		store:    memory.New(),
		searcher: &fakeSearcher{hits: beerHits},
	}
	if q == nil {
		e.queue = memqueue.NewQueue(64)
		q = e.queue
	}
	e.locks = lock.NewManager(e.store, lock.SearchCollection)
	d, err := New(Deps{
		Store:    e.store,
		Locks:    e.locks,
		Searches: cache.NewSearchCache(e.store, sha256.New(), nil, 0),
		Replies:  replystream.NewWriter(e.store, nil),
		Searcher: e.searcher,
		Queue:    q,
		Routes:   routes,
		IDs:      &seqIDs{},
		Limiter:  limiter,
	})
	require.NoError(t, err)
	e.disp = d
	return e
}

// startWorker consumes the env queue with a real Processor whose fetchers
// echo the task back as a product.
func (e *env) startWorker(t *testing.T) *atomic.Int32 {
	t.Helper()
	var fetches atomic.Int32
	echo := fetcher.FetchFunc(func(_ context.Context, _ browser.Session, task product.TaskProduct) (product.Product, *product.Error) {
		fetches.Add(1)
		return product.Product{ID: task.ProductID, Source: task.Source, URL: task.ProductURL, Title: "Beer " + task.ProductID}, nil
	})
	registry, err := fetcher.NewRegistry(map[product.Source]fetcher.Fetcher{
		product.SourceOcado:     echo,
		product.SourceSainsbury: echo,
	})
	require.NoError(t, err)
	p, err := pool.New(2, browsertest.NewFactory(nil), nil)
	require.NoError(t, err)

	proc, err := worker.New(worker.Deps{
		Store:    e.store,
		Locks:    lock.NewManager(e.store, lock.DetailCollection),
		Items:    cache.NewItemCache(e.store, nil, 0),
		Replies:  replystream.NewWriter(e.store, nil),
		Registry: registry,
		Pool:     p,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.queue.Consume(ctx, worker.Handler(proc))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = p.Close(context.Background())
	})
	return &fetches
}

func drain(t *testing.T, store docstore.Store, requestID string) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := replystream.NewReader(store, nil).Open(ctx, requestID)
	require.NoError(t, err)
	defer stream.Stop()
	var ids []string
	for {
		res, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return ids, nil
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, res.ItemID)
	}
}

func TestBeerSearchStreamsEveryItem(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, nil)
	fetches := e.startWorker(t)

	req := product.SearchRequest{RequestID: "req-beer", Search: product.Search{Keyword: "beer"}}
	require.NoError(t, e.disp.Dispatch(context.Background(), req))

	ids, err := drain(t, e.store, "req-beer")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"o-1", "o-2", "o-3", "s-1", "s-2"}, ids)
	require.Equal(t, int32(5), fetches.Load())

	locked, err := e.locks.Exists(context.Background(), "req-beer")
	require.NoError(t, err)
	require.False(t, locked)

	status, err := replystream.NewReader(e.store, nil).Status(context.Background(), "req-beer")
	require.NoError(t, err)
	require.True(t, status.Completed)
	require.Equal(t, "beer", status.Keyword)

	// The same keyword is answered from the search cache, tasks are still
	// enqueued and the workers serve them from the item cache.
	req2 := product.SearchRequest{RequestID: "req-beer-2", Search: product.Search{Keyword: " Beer"}}
	require.NoError(t, e.disp.Dispatch(context.Background(), req2))
	ids, err = drain(t, e.store, "req-beer-2")
	require.NoError(t, err)
	require.Len(t, ids, 5)
	require.Equal(t, int32(1), e.searcher.calls.Load())
	require.Equal(t, int32(5), fetches.Load())
}

func TestDispatchEnqueuesRoutedTasks(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, nil)
	req := product.SearchRequest{RequestID: "req-1", Search: product.Search{Keyword: "beer"}}
	require.NoError(t, e.disp.Dispatch(context.Background(), req))
	require.Equal(t, 5, e.queue.Len())

	d, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "product-detail-ocado", d.Queue)
	require.Equal(t, "http://worker/", d.Request.URL)
	require.Equal(t, "req-1", d.Request.Header.Get(product.RequestIDHeader))
	task, err := worker.DecodeTask("req-1", bytes.NewReader(d.Request.Body))
	require.NoError(t, err)
	require.Equal(t, "o-1", task.Product.ProductID)
	require.Equal(t, "task-1", task.TaskID)
}

func TestDispatchConflictsWhileLocked(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, nil)
	require.NoError(t, e.locks.Acquire(context.Background(), "req-1"))
	err := e.disp.Dispatch(context.Background(), product.SearchRequest{RequestID: "req-1", Search: product.Search{Keyword: "beer"}})
	require.Equal(t, product.CodeLockConflict, product.CodeOf(err))
	require.Zero(t, e.searcher.calls.Load())
	require.Zero(t, e.queue.Len())
}

func TestDispatchRejectsWithoutSideEffects(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, nil)
	err := e.disp.Dispatch(context.Background(), product.SearchRequest{RequestID: "req-1"})
	require.Equal(t, product.CodeValidation, product.CodeOf(err))

	limited := newEnv(t, nil, denyAll{})
	err = limited.disp.Dispatch(context.Background(), product.SearchRequest{RequestID: "req-1", Search: product.Search{Keyword: "beer"}})
	require.Equal(t, product.CodeRateLimitExceeded, product.CodeOf(err))

	require.Zero(t, limited.queue.Len())

	for _, env := range []*env{e, limited} {
		docs, err := env.store.List(context.Background(), replystream.Collection("req-1"))
		require.NoError(t, err)
		require.Empty(t, docs)
		locked, err := env.locks.Exists(context.Background(), "req-1")
		require.NoError(t, err)
		require.False(t, locked)
	}
}

func TestDispatchCachedSearchIgnoresRateLimit(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, denyAll{})
	searches := cache.NewSearchCache(e.store, sha256.New(), nil, 0)
	key, err := searches.Key("beer", e.searcher.Sources())
	require.NoError(t, err)
	require.NoError(t, searches.Set(context.Background(), key, beerHits[:2]))

	require.NoError(t, e.disp.Dispatch(context.Background(), product.SearchRequest{RequestID: "req-1", Search: product.Search{Keyword: "beer"}}))
	require.Zero(t, e.searcher.calls.Load())
	require.Equal(t, 2, e.queue.Len())
}

func TestDispatchSkipsReservedItemIDs(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil, nil)
	e.searcher.hits = []product.Hit{
		{ItemID: product.MetaDocID, URL: "https://www.ocado.com/products/meta", Source: product.SourceOcado},
		{ItemID: "o-1", URL: "https://www.ocado.com/products/o-1", Source: product.SourceOcado},
		{ItemID: product.HeaderDocID, URL: "/gol-ui/product/headers", Source: product.SourceSainsbury},
	}
	fetches := e.startWorker(t)

	require.NoError(t, e.disp.Dispatch(context.Background(), product.SearchRequest{RequestID: "req-1", Search: product.Search{Keyword: "beer"}}))
	ids, err := drain(t, e.store, "req-1")
	require.NoError(t, err)
	require.Equal(t, []string{"o-1"}, ids)
	require.Equal(t, int32(1), fetches.Load())
}

func TestDispatchFailureWritesErrorHeader(t *testing.T) {
	t.Parallel()

	t.Run("search", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, nil, nil)
		e.searcher.err = errors.New("ocado search: results page did not load")
		e.searcher.hits = nil

		err := e.disp.Dispatch(context.Background(), product.SearchRequest{RequestID: "req-1", Search: product.Search{Keyword: "beer"}})
		require.Equal(t, product.CodeUnexpected, product.CodeOf(err))

		_, err = drain(t, e.store, "req-1")
		var streamErr *replystream.StreamError
		require.ErrorAs(t, err, &streamErr)
		require.Equal(t, product.CodeUnexpected, streamErr.Code)
		require.Contains(t, streamErr.Message, "results page did not load")

		locked, err := e.locks.Exists(context.Background(), "req-1")
		require.NoError(t, err)
		require.False(t, locked, "the error header releases the lock")
	})

	t.Run("enqueue", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, failingQueue{}, nil)
		err := e.disp.Dispatch(context.Background(), product.SearchRequest{RequestID: "req-1", Search: product.Search{Keyword: "beer"}})
		require.Equal(t, product.CodeUnexpected, product.CodeOf(err))

		status, err := replystream.NewReader(e.store, nil).Status(context.Background(), "req-1")
		require.NoError(t, err)
		require.True(t, status.IsError)
		require.False(t, status.Completed)

		docs, err := e.store.List(context.Background(), cache.SearchCollection)
		require.NoError(t, err)
		require.Empty(t, docs, "a failed dispatch does not cache its hits")
	})
}

func TestNewRequiresRoutes(t *testing.T) {
	t.Parallel()

	store := memory.New()
	_, err := New(Deps{
		Store:    store,
		Locks:    lock.NewManager(store, lock.SearchCollection),
		Searches: cache.NewSearchCache(store, sha256.New(), nil, 0),
		Replies:  replystream.NewWriter(store, nil),
		Searcher: &fakeSearcher{},
		Queue:    memqueue.NewQueue(1),
		IDs:      &seqIDs{},
		Routes:   map[product.Source]Route{product.SourceOcado: routes[product.SourceOcado]},
	})
	require.ErrorContains(t, err, "no queue route for SAINSBURY")
}
