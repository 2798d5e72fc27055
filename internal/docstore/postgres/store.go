// Package postgres implements docstore.Store on a single Postgres table.
// Batches run in one transaction and every write emits a pg_notify so that
// listeners on other processes can follow a collection.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable   = "documents"
	defaultChannel = "docstore_changes"
)

// Config controls the Postgres connection pool and naming.
type Config struct {
	DSN             string
	Table           string
	Channel         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// NotificationWaiter blocks until the next notification on a LISTENing
// connection.
type NotificationWaiter interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// ListenFunc opens a dedicated connection LISTENing on channel. release
// returns the connection.
type ListenFunc func(ctx context.Context, channel string) (waiter NotificationWaiter, release func(), err error)

// Store is a Postgres backed docstore.Store.
type Store struct {
	db      querier
	listen  ListenFunc
	table   string
	channel string
	logger  *zap.Logger
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool, PoolListener(pool), cfg, logger)
}

// NewWithPool builds a Store from an existing pool (primarily for testing).
// listen may be nil, in which case Listen returns an error.
func NewWithPool(db querier, listen ListenFunc, cfg Config, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	if !validIdentifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if !validIdentifier.MatchString(channel) {
		return nil, fmt.Errorf("invalid channel name %q", channel)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, listen: listen, table: table, channel: channel, logger: logger}, nil
}

// PoolListener acquires a pool connection and issues LISTEN on it.
func PoolListener(pool *pgxpool.Pool) ListenFunc {
	return func(ctx context.Context, channel string) (NotificationWaiter, func(), error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("acquire listen connection: %w", err)
		}
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			conn.Release()
			return nil, nil, fmt.Errorf("listen %s: %w", channel, err)
		}
		release := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
				// A connection left listening must not go back to the pool.
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		}
		return conn.Conn(), release, nil
	}
}

// Migrate creates the documents table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// Get loads the document at ref.
func (s *Store) Get(ctx context.Context, ref docstore.Ref) (docstore.Document, error) {
	query := fmt.Sprintf(`SELECT data, updated_at FROM %s WHERE collection = $1 AND id = $2`, s.table)
	var (
		data      []byte
		updatedAt time.Time
	)
	if err := s.db.QueryRow(ctx, query, ref.Collection, ref.ID).Scan(&data, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.Document{}, fmt.Errorf("get %s: %w", ref, docstore.ErrNotFound)
		}
		return docstore.Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	return docstore.Document{Ref: ref, Data: data, UpdatedAt: updatedAt}, nil
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
	query := fmt.Sprintf(
		`SELECT id, data, updated_at FROM %s WHERE collection = $1 ORDER BY updated_at, id`,
		s.table,
	)
	rows, err := s.db.Query(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var (
			id        string
			data      []byte
			updatedAt time.Time
		)
		if err := rows.Scan(&id, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		docs = append(docs, docstore.Document{
			Ref:       docstore.NewRef(collection, id),
			Data:      data,
			UpdatedAt: updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

// DeleteCollection removes every document in collection in one transaction.
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

// Batch starts a transactional batch.
func (s *Store) Batch() docstore.Batch {
	return docstore.NewBatch(s.commit)
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) commit(ctx context.Context, ops []docstore.Op) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	upsert := fmt.Sprintf(`
INSERT INTO %s (collection, id, data, updated_at)
VALUES ($1, $2, $3, clock_timestamp())
ON CONFLICT (collection, id) DO UPDATE
SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
RETURNING (xmax = 0) AS inserted`, s.table)
	remove := fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND id = $2`, s.table)

	for _, op := range ops {
		kind := docstore.ChangeRemoved
		if op.Delete {
			tag, execErr := tx.Exec(ctx, remove, op.Ref.Collection, op.Ref.ID)
			if execErr != nil {
				return fmt.Errorf("delete %s: %w", op.Ref, execErr)
			}
			if tag.RowsAffected() == 0 {
				continue
			}
		} else {
			var inserted bool
			if scanErr := tx.QueryRow(ctx, upsert, op.Ref.Collection, op.Ref.ID, []byte(op.Data)).Scan(&inserted); scanErr != nil {
				return fmt.Errorf("upsert %s: %w", op.Ref, scanErr)
			}
			kind = docstore.ChangeModified
			if inserted {
				kind = docstore.ChangeAdded
			}
		}
		payload, encErr := encodeNotification(op.Ref, kind)
		if encErr != nil {
			return encErr
		}
		if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, payload); execErr != nil {
			return fmt.Errorf("notify %s: %w", op.Ref, execErr)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type notification struct {
	Collection string              `json:"c"`
	ID         string              `json:"i"`
	Kind       docstore.ChangeKind `json:"k"`
}

func encodeNotification(ref docstore.Ref, kind docstore.ChangeKind) (string, error) {
	raw, err := json.Marshal(notification{Collection: ref.Collection, ID: ref.ID, Kind: kind})
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	return string(raw), nil
}

func decodeNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}
