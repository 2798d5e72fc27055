// Package memory provides an in-process task queue for local development and
// tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-product-stream/internal/queue"
)

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Delivery is one enqueued task and the queue it was sent to.
type Delivery struct {
	Queue   string
	Request queue.Request
}

// DefaultRetryBackoff delays putting a retryable task back on the queue.
const DefaultRetryBackoff = 250 * time.Millisecond

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch          chan Delivery
	closeMu     sync.RWMutex
	closed      bool
	concurrency int
	backoff     time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithConcurrency sets how many handler calls Consume runs at once.
func WithConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithRetryBackoff sets the delay before a retryable task is requeued.
func WithRetryBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.backoff = d
		}
	}
}

var (
	_ queue.Queue    = (*Queue)(nil)
	_ queue.Consumer = (*Queue)(nil)
)

// NewQueue constructs a new queue with the provided capacity. Consume runs
// one handler at a time unless WithConcurrency says otherwise.
func NewQueue(capacity int, opts ...Option) *Queue {
	q := &Queue{
		ch:          make(chan Delivery, capacity),
		concurrency: 1,
		backoff:     DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, queueName string, req queue.Request) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- Delivery{Queue: queueName, Request: req}:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case d, ok := <-q.ch:
		if !ok {
			return Delivery{}, ErrClosed
		}
		return d, nil
	}
}

// Len returns the number of tasks waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Consume hands every task to handler until ctx ends or the queue closes,
// running up to the configured concurrency at once. Tasks answered with a
// retryable status go back on the queue after the retry backoff. Consume
// waits for handlers in flight before returning.
func (q *Queue) Consume(ctx context.Context, handler queue.Handler) error {
	g := new(errgroup.Group)
	g.SetLimit(q.concurrency)
	var requeues sync.WaitGroup
	defer requeues.Wait()

	for {
		d, err := q.Dequeue(ctx)
		if err != nil {
			werr := g.Wait()
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return werr
			}
			return err
		}
		g.Go(func() error {
			if status := handler(ctx, d.Request); queue.Retryable(status) {
				requeues.Add(1)
				go func() {
					defer requeues.Done()
					q.requeue(ctx, d)
				}()
			}
			return nil
		})
	}
}

// requeue puts d back after the backoff. It gives up when ctx ends or the
// queue closes.
func (q *Queue) requeue(ctx context.Context, d Delivery) {
	if q.backoff > 0 {
		t := time.NewTimer(q.backoff)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	_ = q.Enqueue(ctx, d.Queue, d.Request)
}

// Close closes the underlying channel for shutdown. Closing twice is safe.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
