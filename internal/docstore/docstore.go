// Package docstore defines the shared document store used to coordinate the
// dispatcher and the workers. Documents are JSON values addressed by
// (collection, id). Batches commit atomically and Listen exposes a change feed.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the document does not exist.
var ErrNotFound = errors.New("document not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("document store closed")

// Ref addresses a single document.
type Ref struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// NewRef is shorthand for Ref{Collection: collection, ID: id}.
func NewRef(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// Validate rejects refs with an empty collection or id.
func (r Ref) Validate() error {
	if r.Collection == "" || r.ID == "" {
		return fmt.Errorf("invalid document ref %q", r.String())
	}
	return nil
}

// Document is a stored JSON value.
type Document struct {
	Ref       Ref
	Data      json.RawMessage
	UpdatedAt time.Time
}

// DataTo decodes the document body into v.
func (d Document) DataTo(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Ref, err)
	}
	return nil
}

// ChangeKind classifies a change feed entry.
type ChangeKind string

// Change kinds delivered by Listen.
const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one entry of a collection change feed. Removed changes carry
// only the Ref.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Subscription is an open change feed. Changes is closed once the
// subscription ends; Err reports why.
type Subscription interface {
	Changes() <-chan Change
	Err() error
	Close() error
}

// Batch collects writes that commit atomically.
type Batch interface {
	Set(ref Ref, data any)
	Delete(ref Ref)
	Commit(ctx context.Context) error
}

// Store is the shared document store.
type Store interface {
	Get(ctx context.Context, ref Ref) (Document, error)
	Set(ctx context.Context, ref Ref, data any) error
	Delete(ctx context.Context, ref Ref) error
	List(ctx context.Context, collection string) ([]Document, error)
	DeleteCollection(ctx context.Context, collection string) error
	Batch() Batch
	// Listen delivers the current documents of collection as ChangeAdded
	// followed by every later change, until ctx ends or Close is called.
	Listen(ctx context.Context, collection string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Op is one write inside a batch.
type Op struct {
	Ref    Ref
	Data   json.RawMessage
	Delete bool
}

// CommitFunc applies a set of ops atomically.
type CommitFunc func(ctx context.Context, ops []Op) error

// OpBatch is a Batch that encodes writes eagerly and hands them to a
// backend-specific CommitFunc. Encoding errors surface from Commit.
type OpBatch struct {
	ops    []Op
	err    error
	commit CommitFunc
	done   bool
}

// NewBatch returns an OpBatch committing through fn.
func NewBatch(fn CommitFunc) *OpBatch {
	return &OpBatch{commit: fn}
}

// Set records an upsert of ref.
func (b *OpBatch) Set(ref Ref, data any) {
	if b.err != nil {
		return
	}
	if err := ref.Validate(); err != nil {
		b.err = err
		return
	}
	raw, err := Encode(data)
	if err != nil {
		b.err = fmt.Errorf("encode %s: %w", ref, err)
		return
	}
	b.ops = append(b.ops, Op{Ref: ref, Data: raw})
}

// Delete records a delete of ref.
func (b *OpBatch) Delete(ref Ref) {
	if b.err != nil {
		return
	}
	if err := ref.Validate(); err != nil {
		b.err = err
		return
	}
	b.ops = append(b.ops, Op{Ref: ref, Delete: true})
}

// Ops returns the recorded ops.
func (b *OpBatch) Ops() []Op {
	return append([]Op(nil), b.ops...)
}

// Commit applies every recorded op or none of them.
func (b *OpBatch) Commit(ctx context.Context) error {
	if b.done {
		return errors.New("batch already committed")
	}
	b.done = true
	if b.err != nil {
		return b.err
	}
	if len(b.ops) == 0 {
		return nil
	}
	if err := b.commit(ctx, b.ops); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Encode marshals data into a JSON document body. json.RawMessage and
// []byte values are passed through untouched.
func Encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return raw, nil
}
