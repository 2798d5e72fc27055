package replystream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
)

// ErrStopped is returned by Next after Stop.
var ErrStopped = errors.New("reply stream stopped")

// ErrStreamNotFound is returned by Status for unknown requests.
var ErrStreamNotFound = fmt.Errorf("reply stream: %w", docstore.ErrNotFound)

// Reader opens reply streams.
type Reader struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewReader returns a Reader over store.
func NewReader(store docstore.Store, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{store: store, logger: logger}
}

// Result is one distinct item delivered by a Stream.
type Result struct {
	ItemID string `json:"itemId"`
	Record Record `json:"record"`
}

// Stream is a pull based view of one reply collection. Next must be called
// from a single goroutine; Stop may be called from any goroutine.
type Stream struct {
	requestID string
	sub       docstore.Subscription
	logger    *zap.Logger

	seen  map[string]struct{}
	total *int
	err   error

	stop     chan struct{}
	stopOnce sync.Once
}

// Open subscribes to the reply collection of requestID.
func (r *Reader) Open(ctx context.Context, requestID string) (*Stream, error) {
	sub, err := r.store.Listen(ctx, Collection(requestID))
	if err != nil {
		return nil, fmt.Errorf("open reply stream %s: %w", requestID, err)
	}
	return &Stream{
		requestID: requestID,
		sub:       sub,
		logger:    r.logger.With(zap.String("request_id", requestID)),
		seen:      make(map[string]struct{}),
		stop:      make(chan struct{}),
	}, nil
}

// Next returns the next distinct item. It returns io.EOF once header.total
// distinct items have been delivered, a *StreamError when the header records
// a dispatch failure and ErrStopped after Stop. Any terminal return releases
// the subscription.
func (s *Stream) Next(ctx context.Context) (Result, error) {
	for {
		if s.err != nil {
			return Result{}, s.err
		}
		if s.total != nil && len(s.seen) >= *s.total {
			return Result{}, s.finish(io.EOF)
		}
		select {
		case <-s.stop:
			return Result{}, s.finish(ErrStopped)
		case <-ctx.Done():
			return Result{}, s.finish(ctx.Err())
		case change, ok := <-s.sub.Changes():
			if !ok {
				return Result{}, s.finish(s.endedErr())
			}
			if res, deliver := s.apply(change); deliver {
				return res, nil
			}
		}
	}
}

// Stop ends the stream. It never blocks and is safe to call repeatedly.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.sub.Close()
	})
}

// Seen returns the number of distinct items delivered so far.
func (s *Stream) Seen() int {
	return len(s.seen)
}

func (s *Stream) endedErr() error {
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}
	if err := s.sub.Err(); err != nil {
		return fmt.Errorf("reply stream %s: %w", s.requestID, err)
	}
	return fmt.Errorf("reply stream %s: subscription closed", s.requestID)
}

func (s *Stream) finish(err error) error {
	s.err = err
	_ = s.sub.Close()
	return err
}

func (s *Stream) apply(change docstore.Change) (Result, bool) {
	if change.Kind == docstore.ChangeRemoved {
		return Result{}, false
	}
	id := change.Doc.Ref.ID
	switch id {
	case product.MetaDocID:
		return Result{}, false
	case product.HeaderDocID:
		var h Header
		if err := change.Doc.DataTo(&h); err != nil {
			s.logger.Warn("ignoring malformed header", zap.Error(err))
			return Result{}, false
		}
		if h.Error != nil {
			s.err = &StreamError{Code: h.Error.Code, Message: h.Error.Message}
			_ = s.sub.Close()
			return Result{}, false
		}
		if h.Total != nil {
			total := *h.Total
			s.total = &total
		}
		return Result{}, false
	}
	if _, dup := s.seen[id]; dup {
		return Result{}, false
	}
	var rec Record
	if err := change.Doc.DataTo(&rec); err != nil {
		s.logger.Warn("ignoring malformed reply", zap.String("item_id", id), zap.Error(err))
		return Result{}, false
	}
	s.seen[id] = struct{}{}
	metrics.ObserveStreamItem(rec.Type)
	return Result{ItemID: id, Record: rec}, true
}

// Status summarizes a reply stream.
type Status struct {
	RequestID         string    `json:"requestId"`
	Keyword           string    `json:"keyword"`
	Completed         bool      `json:"completed"`
	DocsReceived      int       `json:"docsReceived"`
	TotalDocsExpected *int      `json:"totalDocsExpected,omitempty"`
	IsError           bool      `json:"isError"`
	RequestedAt       time.Time `json:"requestedAt"`
}

// Status reads the current state of requestID's reply stream.
func (r *Reader) Status(ctx context.Context, requestID string) (Status, error) {
	docs, err := r.store.List(ctx, Collection(requestID))
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", requestID, err)
	}
	st := Status{RequestID: requestID}
	var haveMeta bool
	for _, doc := range docs {
		switch doc.Ref.ID {
		case product.MetaDocID:
			var meta Meta
			if err := doc.DataTo(&meta); err != nil {
				return Status{}, err
			}
			haveMeta = true
			st.Keyword = meta.Keyword
			st.RequestedAt = meta.CreatedAt
		case product.HeaderDocID:
			var h Header
			if err := doc.DataTo(&h); err != nil {
				return Status{}, err
			}
			st.IsError = h.Error != nil
			st.TotalDocsExpected = h.Total
		default:
			st.DocsReceived++
		}
	}
	if !haveMeta {
		return Status{}, fmt.Errorf("status %s: %w", requestID, ErrStreamNotFound)
	}
	st.Completed = !st.IsError && st.TotalDocsExpected != nil && st.DocsReceived == *st.TotalDocsExpected
	return st, nil
}

// Close deletes requestID's reply stream including its control documents.
func (r *Reader) Close(ctx context.Context, requestID string) error {
	if err := r.store.DeleteCollection(ctx, Collection(requestID)); err != nil {
		return fmt.Errorf("close reply stream %s: %w", requestID, err)
	}
	r.logger.Info("closed reply stream", zap.String("request_id", requestID))
	return nil
}
