// Package memory provides an in-process document store for local runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
)

// Store keeps documents in memory. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]docstore.Document
	feeds       map[string]map[*docstore.Feed]struct{}
	seq         int64
	closed      bool

	commitErr error
	now       func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]docstore.Document),
		feeds:       make(map[string]map[*docstore.Feed]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FailNextCommit makes the next write (Set, Delete or batch commit) fail
// with err without applying anything.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

// Listeners reports how many subscriptions are open on collection.
func (s *Store) Listeners(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.feeds[collection])
}

// Get returns the document at ref.
func (s *Store) Get(_ context.Context, ref docstore.Ref) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.Document{}, docstore.ErrClosed
	}
	doc, ok := s.collections[ref.Collection][ref.ID]
	if !ok {
		return docstore.Document{}, fmt.Errorf("get %s: %w", ref, docstore.ErrNotFound)
	}
	return cloneDoc(doc), nil
}

// Set upserts a single document.
func (s *Store) Set(ctx context.Context, ref docstore.Ref, data any) error {
	b := s.Batch()
	b.Set(ref, data)
	return b.Commit(ctx)
}

// Delete removes a single document. Deleting a missing document is a no-op.
func (s *Store) Delete(ctx context.Context, ref docstore.Ref) error {
	b := s.Batch()
	b.Delete(ref)
	return b.Commit(ctx)
}

// List returns every document in collection ordered by write time.
func (s *Store) List(_ context.Context, collection string) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	return s.listLocked(collection), nil
}

// DeleteCollection removes every document in collection.
func (s *Store) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.RLock()
	docs := s.listLocked(collection)
	s.mu.RUnlock()
	if len(docs) == 0 {
		return nil
	}
	b := s.Batch()
	for _, doc := range docs {
		b.Delete(doc.Ref)
	}
	return b.Commit(ctx)
}

// Batch starts an atomic batch.
func (s *Store) Batch() docstore.Batch {
	return docstore.NewBatch(s.commit)
}

// Listen subscribes to changes on collection.
func (s *Store) Listen(ctx context.Context, collection string) (docstore.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	var (
		feed      *docstore.Feed
		stopWatch func() bool
	)
	feed = docstore.NewFeed(func() {
		s.mu.Lock()
		if stopWatch != nil {
			stopWatch()
		}
		delete(s.feeds[collection], feed)
		if len(s.feeds[collection]) == 0 {
			delete(s.feeds, collection)
		}
		s.mu.Unlock()
	})
	if s.feeds[collection] == nil {
		s.feeds[collection] = make(map[*docstore.Feed]struct{})
	}
	s.feeds[collection][feed] = struct{}{}
	for _, doc := range s.listLocked(collection) {
		feed.Push(docstore.Change{Kind: docstore.ChangeAdded, Doc: doc})
	}
	stopWatch = context.AfterFunc(ctx, func() { feed.Fail(ctx.Err()) })
	return feed, nil
}

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.ErrClosed
	}
	return nil
}

// Close ends every open subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var feeds []*docstore.Feed
	for _, set := range s.feeds {
		for feed := range set {
			feeds = append(feeds, feed)
		}
	}
	s.mu.Unlock()
	for _, feed := range feeds {
		feed.Fail(docstore.ErrClosed)
	}
	return nil
}

func (s *Store) commit(_ context.Context, ops []docstore.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	if s.commitErr != nil {
		err := s.commitErr
		s.commitErr = nil
		return err
	}
	now := s.now()
	for _, op := range ops {
		coll := s.collections[op.Ref.Collection]
		if op.Delete {
			if _, ok := coll[op.Ref.ID]; !ok {
				continue
			}
			delete(coll, op.Ref.ID)
			if len(coll) == 0 {
				delete(s.collections, op.Ref.Collection)
			}
			s.broadcastLocked(docstore.Change{Kind: docstore.ChangeRemoved, Doc: docstore.Document{Ref: op.Ref}})
			continue
		}
		if coll == nil {
			coll = make(map[string]docstore.Document)
			s.collections[op.Ref.Collection] = coll
		}
		kind := docstore.ChangeAdded
		if _, exists := coll[op.Ref.ID]; exists {
			kind = docstore.ChangeModified
		}
		s.seq++
		doc := docstore.Document{
			Ref:       op.Ref,
			Data:      append([]byte(nil), op.Data...),
			UpdatedAt: now.Add(time.Duration(s.seq)),
		}
		coll[op.Ref.ID] = doc
		s.broadcastLocked(docstore.Change{Kind: kind, Doc: cloneDoc(doc)})
	}
	return nil
}

func (s *Store) broadcastLocked(change docstore.Change) {
	for feed := range s.feeds[change.Doc.Ref.Collection] {
		feed.Push(change)
	}
}

func (s *Store) listLocked(collection string) []docstore.Document {
	coll := s.collections[collection]
	docs := make([]docstore.Document, 0, len(coll))
	for _, doc := range coll {
		docs = append(docs, cloneDoc(doc))
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].Ref.ID < docs[j].Ref.ID
		}
		return docs[i].UpdatedAt.Before(docs[j].UpdatedAt)
	})
	return docs
}

func cloneDoc(doc docstore.Document) docstore.Document {
	doc.Data = append([]byte(nil), doc.Data...)
	return doc
}
