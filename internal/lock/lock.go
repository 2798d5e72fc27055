// Package lock implements the advisory request locks shared by the dispatcher
// and the workers.
//
// A lock is a document whose existence means "claimed". Acquire is an
// unconditional write and Exists only checks presence; expiresAt is recorded
// for operators and is never compared against the clock. Locks are released
// only as part of the batch that records the result.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-product-stream/internal/clock/system"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// Lock collections.
const (
	SearchCollection = "product-search.request-lock"
	DetailCollection = "product-detail.request-lock"
)

// DefaultTTL is the advisory lifetime written into every lock.
const DefaultTTL = 10 * time.Minute

// Record is the stored lock document.
type Record struct {
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// DetailKey is the lock key of one item within a request.
func DetailKey(requestID, itemID string) string {
	return requestID + "." + itemID
}

// Manager reads and writes locks in one collection.
type Manager struct {
	store      docstore.Store
	collection string
	ttl        time.Duration
	clock      product.Clock
}

// Option customizes a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock injects the clock used for acquiredAt.
func WithClock(clock product.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager returns a Manager over collection.
func NewManager(store docstore.Store, collection string, opts ...Option) *Manager {
	m := &Manager{store: store, collection: collection, ttl: DefaultTTL, clock: system.Clock{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire writes the lock for key, overwriting any existing one.
func (m *Manager) Acquire(ctx context.Context, key string) error {
	now := m.clock.Now()
	rec := Record{AcquiredAt: now, ExpiresAt: now.Add(m.ttl)}
	if err := m.store.Set(ctx, m.ref(key), rec); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a lock document for key is present. An expired
// lock still exists.
func (m *Manager) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.store.Get(ctx, m.ref(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("check lock %s: %w", key, err)
}

// Release adds the deletion of key to batch.
func (m *Manager) Release(batch docstore.Batch, key string) {
	batch.Delete(m.ref(key))
}

// Get returns the stored lock record.
func (m *Manager) Get(ctx context.Context, key string) (Record, error) {
	doc, err := m.store.Get(ctx, m.ref(key))
	if err != nil {
		return Record{}, fmt.Errorf("get lock %s: %w", key, err)
	}
	var rec Record
	if err := doc.DataTo(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (m *Manager) ref(key string) docstore.Ref {
	return docstore.NewRef(m.collection, key)
}
