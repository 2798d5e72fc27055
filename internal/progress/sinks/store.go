package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/progress"
)

// DefaultCollection holds one status document per task.
const DefaultCollection = "product-stream.progress"

// TaskStatus is the document StoreSink keeps for each task.
type TaskStatus struct {
	RequestID string    `json:"requestId"`
	ItemID    string    `json:"itemId,omitempty"`
	Source    string    `json:"source"`
	Stage     string    `json:"stage"`
	Status    int       `json:"status,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StoreSink records the latest stage of every task in the document store.
// Events in a batch are collapsed per task so each flush is one atomic
// commit.
type StoreSink struct {
	store      docstore.Store
	collection string
	logger     *zap.Logger
}

// NewStoreSink writes to collection, or DefaultCollection when empty.
func NewStoreSink(store docstore.Store, collection string, logger *zap.Logger) *StoreSink {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, collection: collection, logger: logger}
}

// Consume writes the newest event of each task in batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	latest := make(map[string]progress.Event)
	order := make([]string, 0, len(batch))
	for _, evt := range batch {
		key := evt.Key()
		prev, seen := latest[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || !evt.TS.Before(prev.TS) {
			latest[key] = evt
		}
	}
	if len(order) == 0 {
		return nil
	}

	b := s.store.Batch()
	for _, key := range order {
		evt := latest[key]
		b.Set(docstore.NewRef(s.collection, key), TaskStatus{
			RequestID: evt.RequestID,
			ItemID:    evt.ItemID,
			Source:    evt.Source,
			Stage:     string(evt.Stage),
			Status:    evt.Status,
			Outcome:   evt.Outcome,
			Note:      evt.Note,
			UpdatedAt: evt.TS.UTC(),
		})
	}
	if err := b.Commit(ctx); err != nil {
		return fmt.Errorf("persist task progress: %w", err)
	}
	s.logger.Debug("task progress persisted", zap.Int("tasks", len(order)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
