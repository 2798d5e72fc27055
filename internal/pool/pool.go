// Package pool bounds the number of concurrent browser sessions in one
// process.
//
// Callers queue for a slot in FIFO order. A slot is held for the whole
// callback, and the pool never interrupts a running callback, so a hung page
// keeps its slot until it returns.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/realtime-product-stream/internal/browser"
	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
)

// DefaultSize is the number of sessions a worker runs at once.
const DefaultSize = 4

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("pool closed")

// Func runs with a dedicated session.
type Func func(ctx context.Context, session browser.Session) error

// Pool hands out browser sessions from a SessionFactory, at most Size at a
// time.
type Pool struct {
	size    int64
	sem     *semaphore.Weighted
	factory browser.SessionFactory
	logger  *zap.Logger
	closed  atomic.Bool
	active  atomic.Int64
}

// New builds a pool of size slots. size <= 0 selects DefaultSize.
func New(size int, factory browser.SessionFactory, logger *zap.Logger) (*Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:    int64(size),
		sem:     semaphore.NewWeighted(int64(size)),
		factory: factory,
		logger:  logger,
	}, nil
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return int(p.size)
}

// Active returns the number of slots in use.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Do waits for a slot, opens a session and runs fn with it. The slot and the
// session are released when fn returns or panics. Waiting honours ctx; once
// fn is running the pool does not cancel it.
func (p *Pool) Do(ctx context.Context, fn Func) error {
	if p.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for pool slot: %w", err)
	}
	defer p.sem.Release(1)
	if p.closed.Load() {
		return ErrClosed
	}
	metrics.ObservePoolWait(time.Since(start))

	p.active.Add(1)
	metrics.IncActiveSessions()
	defer func() {
		p.active.Add(-1)
		metrics.DecActiveSessions()
	}()

	session, err := p.factory.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			p.logger.Warn("close session", zap.Error(cerr))
		}
	}()
	return fn(ctx, session)
}

// Close rejects new work and waits for running callbacks to return.
func (p *Pool) Close(ctx context.Context) error {
	p.closed.Store(true)
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return fmt.Errorf("drain pool: %w", err)
	}
	p.sem.Release(p.size)
	return nil
}
