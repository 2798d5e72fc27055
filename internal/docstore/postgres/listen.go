package postgres

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
)

// Listen follows collection through LISTEN/NOTIFY. It LISTENs before taking
// the initial snapshot, so a document written in between may be delivered
// twice; consumers key on document id.
func (s *Store) Listen(ctx context.Context, collection string) (docstore.Subscription, error) {
	if s.listen == nil {
		return nil, fmt.Errorf("listen %s: no listener configured", collection)
	}
	ctx, cancel := context.WithCancel(ctx)
	waiter, release, err := s.listen(ctx, s.channel)
	if err != nil {
		cancel()
		return nil, err
	}
	snapshot, err := s.List(ctx, collection)
	if err != nil {
		cancel()
		release()
		return nil, err
	}

	loopDone := make(chan struct{})
	feed := docstore.NewFeed(func() {
		cancel()
		<-loopDone
		release()
	})
	for _, doc := range snapshot {
		feed.Push(docstore.Change{Kind: docstore.ChangeAdded, Doc: doc})
	}
	go func() {
		defer close(loopDone)
		if err := s.follow(ctx, collection, waiter, feed); err != nil {
			go feed.Fail(err)
		}
	}()
	return feed, nil
}

func (s *Store) follow(ctx context.Context, collection string, waiter NotificationWaiter, feed *docstore.Feed) error {
	for {
		n, err := waiter.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n.Channel != s.channel {
			continue
		}
		msg, err := decodeNotification(n.Payload)
		if err != nil {
			s.logger.Warn("skipping malformed notification", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		if msg.Collection != collection {
			continue
		}
		ref := docstore.NewRef(msg.Collection, msg.ID)
		if msg.Kind == docstore.ChangeRemoved {
			feed.Push(docstore.Change{Kind: docstore.ChangeRemoved, Doc: docstore.Document{Ref: ref}})
			continue
		}
		doc, err := s.Get(ctx, ref)
		if errors.Is(err, docstore.ErrNotFound) {
			// Deleted again before we could read it; the removal follows.
			continue
		}
		if err != nil {
			return err
		}
		feed.Push(docstore.Change{Kind: msg.Kind, Doc: doc})
	}
}
