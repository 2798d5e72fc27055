// Package redis implements docstore.Store on Redis. Each collection is a
// hash; batches run inside MULTI/EXEC and publish their changes on a pub/sub
// channel in the same transaction.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
)

const (
	defaultPrefix  = "docstore:"
	defaultChannel = "docstore:changes"
)

// Config describes how to reach Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
	Channel  string
}

// Store is a Redis backed docstore.Store.
type Store struct {
	rdb     redis.UniversalClient
	prefix  string
	channel string
	logger  *zap.Logger
}

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("store.redis.addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(rdb, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb redis.UniversalClient, cfg Config, logger *zap.Logger) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, prefix: prefix, channel: channel, logger: logger}
}

// envelope is the hash field value: the document body plus its write time.
type envelope struct {
	Data      json.RawMessage `json:"d"`
	UpdatedAt int64           `json:"t"`
}

// message is what batches publish for every op.
type message struct {
	Collection string              `json:"c"`
	ID         string              `json:"i"`
	Kind       docstore.ChangeKind `json:"k"`
	Doc        *envelope           `json:"e,omitempty"`
}

func (s *Store) key(collection string) string {
	return s.prefix + collection
}

// Get reads one document.
func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	raw, err := s.rdb.HGet(ctx, s.key(ref.Collection), ref.ID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return docstore.Document{}, fmt.Errorf("get %s: %w", ref, docstore.ErrNotFound)
		}
		return docstore.Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	return decodeEnvelope(ref, raw)
}

// Set upserts one document.
func (s *Store) Set(ctx context.Context, ref docstore.Ref, data any) error {
	b := s.Batch()
	b.Set(ref, data)
	return b.Commit(ctx)
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, ref docstore.Ref) error {
	b := s.Batch()
	b.Delete(ref)
	return b.Commit(ctx)
}

// List returns every document in collection ordered by write time.
func (s *Store) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	return decodeHash(collection, fields)
}

// DeleteCollection drops the collection hash.
func (s *Store) DeleteCollection(ctx context.Context, collection string) error {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	b := s.Batch()
	for _, doc := range docs {
		b.Delete(doc.Ref)
	}
	return b.Commit(ctx)
}

// Batch starts a MULTI/EXEC batch.
func (s *Store) Batch() docstore.Batch {
	return docstore.NewBatch(s.commit)
}

// Ping checks Redis reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (s *Store) commit(ctx context.Context, ops []docstore.Op) error {
	now := time.Now().UTC().UnixNano()
	msgs, err := buildMessages(ops, now)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			key := s.key(op.Ref.Collection)
			if op.Delete {
				pipe.HDel(ctx, key, op.Ref.ID)
			} else {
				raw, encErr := json.Marshal(envelope{Data: op.Data, UpdatedAt: now + int64(i)})
				if encErr != nil {
					return fmt.Errorf("encode %s: %w", op.Ref, encErr)
				}
				pipe.HSet(ctx, key, op.Ref.ID, raw)
			}
			pipe.Publish(ctx, s.channel, msgs[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// buildMessages encodes one change message per op. Redis cannot tell an
// insert from an overwrite inside MULTI, so every set is reported as
// modified; consumers treat both alike.
func buildMessages(ops []docstore.Op, now int64) ([]string, error) {
	msgs := make([]string, 0, len(ops))
	for i, op := range ops {
		msg := message{Collection: op.Ref.Collection, ID: op.Ref.ID, Kind: docstore.ChangeRemoved}
		if !op.Delete {
			msg.Kind = docstore.ChangeModified
			msg.Doc = &envelope{Data: op.Data, UpdatedAt: now + int64(i)}
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode change %s: %w", op.Ref, err)
		}
		msgs = append(msgs, string(raw))
	}
	return msgs, nil
}

func decodeEnvelope(ref docstore.Ref, raw []byte) (docstore.Document, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s: %w", ref, err)
	}
	return docstore.Document{Ref: ref, Data: env.Data, UpdatedAt: time.Unix(0, env.UpdatedAt).UTC()}, nil
}

func decodeHash(collection string, fields map[string]string) ([]docstore.Document, error) {
	docs := make([]docstore.Document, 0, len(fields))
	for id, raw := range fields {
		doc, err := decodeEnvelope(docstore.NewRef(collection, id), []byte(raw))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].Ref.ID < docs[j].Ref.ID
		}
		return docs[i].UpdatedAt.Before(docs[j].UpdatedAt)
	})
	return docs, nil
}

// Listen subscribes to the change channel before reading the snapshot, so a
// document may be delivered twice around the boundary.
func (s *Store) Listen(ctx context.Context, collection string) (docstore.Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	snapshot, err := s.List(ctx, collection)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	feed := docstore.NewFeed(func() {
		cancel()
		<-loopDone
		if err := pubsub.Close(); err != nil {
			s.logger.Warn("close redis subscription", zap.Error(err))
		}
	})
	for _, doc := range snapshot {
		feed.Push(docstore.Change{Kind: docstore.ChangeAdded, Doc: doc})
	}
	go func() {
		defer close(loopDone)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				go feed.Fail(ctx.Err())
				return
			case msg, ok := <-ch:
				if !ok {
					go feed.Fail(errors.New("redis subscription closed"))
					return
				}
				change, keep, err := decodeMessage(collection, msg.Payload)
				if err != nil {
					s.logger.Warn("skipping malformed change", zap.String("payload", msg.Payload), zap.Error(err))
					continue
				}
				if keep {
					feed.Push(change)
				}
			}
		}
	}()
	return feed, nil
}

func decodeMessage(collection, payload string) (docstore.Change, bool, error) {
	var msg message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return docstore.Change{}, false, fmt.Errorf("decode change: %w", err)
	}
	if msg.Collection != collection {
		return docstore.Change{}, false, nil
	}
	ref := docstore.NewRef(msg.Collection, msg.ID)
	if msg.Kind == docstore.ChangeRemoved || msg.Doc == nil {
		return docstore.Change{Kind: docstore.ChangeRemoved, Doc: docstore.Document{Ref: ref}}, true, nil
	}
	return docstore.Change{
		Kind: msg.Kind,
		Doc: docstore.Document{
			Ref:       ref,
			Data:      msg.Doc.Data,
			UpdatedAt: time.Unix(0, msg.Doc.UpdatedAt).UTC(),
		},
	}, true, nil
}
