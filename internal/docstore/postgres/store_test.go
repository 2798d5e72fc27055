package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
)

func newMockStore(t *testing.T, listen ListenFunc) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, listen, Config{}, nil)
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidatesNames(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, nil, Config{Table: "bad-name"}, nil)
	require.Error(t, err)
	_, err = NewWithPool(mock, nil, Config{Channel: "drop table"}, nil)
	require.Error(t, err)
	_, err = NewWithPool(nil, nil, Config{}, nil)
	require.Error(t, err)
}

func TestGetReturnsDocument(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT data, updated_at FROM documents").
		WithArgs("things", "a").
		WillReturnRows(pgxmock.NewRows([]string{"data", "updated_at"}).AddRow([]byte(`{"name":"x"}`), now))

	doc, err := store.Get(context.Background(), docstore.NewRef("things", "a"))
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"x"}`, string(doc.Data))
	require.Equal(t, now, doc.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectQuery("SELECT data, updated_at FROM documents").
		WithArgs("things", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), docstore.NewRef("things", "missing"))
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchCommitsInOneTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO documents").
		WithArgs("replies.r1", "item-1", []byte(`{"type":"ok"}`)).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs("docstore_changes", `{"c":"replies.r1","i":"item-1","k":"added"}`).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("DELETE FROM documents").
		WithArgs("locks", "r1.item-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs("docstore_changes", `{"c":"locks","i":"r1.item-1","k":"removed"}`).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	b := store.Batch()
	b.Set(docstore.NewRef("replies.r1", "item-1"), map[string]string{"type": "ok"})
	b.Delete(docstore.NewRef("locks", "r1.item-1"))
	require.NoError(t, b.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO documents").
		WithArgs("replies.r1", "item-1", []byte(`{"type":"ok"}`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	b := store.Batch()
	b.Set(docstore.NewRef("replies.r1", "item-1"), map[string]string{"type": "ok"})
	b.Delete(docstore.NewRef("locks", "r1.item-1"))
	err := b.Commit(context.Background())
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOfMissingRowSkipsNotify(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM documents").
		WithArgs("locks", "gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	require.NoError(t, store.Delete(context.Background(), docstore.NewRef("locks", "gone")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListOrdersRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, data, updated_at FROM documents").
		WithArgs("things").
		WillReturnRows(pgxmock.NewRows([]string{"id", "data", "updated_at"}).
			AddRow("b", []byte(`{}`), now).
			AddRow("a", []byte(`{}`), now.Add(time.Second)))

	docs, err := store.List(context.Background(), "things")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "b", docs[0].Ref.ID)
	require.Equal(t, "things", docs[1].Ref.Collection)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.Error(t, store.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeWaiter struct {
	notes chan *pgconn.Notification
}

func (f *fakeWaiter) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-f.notes:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestListenFollowsNotifications(t *testing.T) {
	t.Parallel()

	waiter := &fakeWaiter{notes: make(chan *pgconn.Notification, 4)}
	released := make(chan struct{})
	listen := func(context.Context, string) (NotificationWaiter, func(), error) {
		return waiter, func() { close(released) }, nil
	}
	store, mock := newMockStore(t, listen)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, data, updated_at FROM documents").
		WithArgs("replies.r1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "data", "updated_at"}).AddRow("first", []byte(`{}`), now))
	mock.ExpectQuery("SELECT data, updated_at FROM documents").
		WithArgs("replies.r1", "second").
		WillReturnRows(pgxmock.NewRows([]string{"data", "updated_at"}).AddRow([]byte(`{"n":2}`), now))

	sub, err := store.Listen(context.Background(), "replies.r1")
	require.NoError(t, err)

	waiter.notes <- &pgconn.Notification{Channel: "docstore_changes", Payload: `{"c":"other","i":"x","k":"added"}`}
	waiter.notes <- &pgconn.Notification{Channel: "docstore_changes", Payload: `not json`}
	waiter.notes <- &pgconn.Notification{Channel: "docstore_changes", Payload: `{"c":"replies.r1","i":"second","k":"added"}`}
	waiter.notes <- &pgconn.Notification{Channel: "docstore_changes", Payload: `{"c":"replies.r1","i":"first","k":"removed"}`}

	var got []docstore.Change
	for len(got) < 3 {
		select {
		case change := <-sub.Changes():
			got = append(got, change)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d changes", len(got))
		}
	}
	require.Equal(t, "first", got[0].Doc.Ref.ID)
	require.Equal(t, docstore.ChangeAdded, got[1].Kind)
	require.JSONEq(t, `{"n":2}`, string(got[1].Doc.Data))
	require.Equal(t, docstore.ChangeRemoved, got[2].Kind)

	require.NoError(t, sub.Close())
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("listen connection not released")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRoundTrip(t *testing.T) {
	t.Parallel()

	payload, err := encodeNotification(docstore.NewRef("c", "i"), docstore.ChangeModified)
	require.NoError(t, err)
	n, err := decodeNotification(payload)
	require.NoError(t, err)
	require.Equal(t, "c", n.Collection)
	require.Equal(t, docstore.ChangeModified, n.Kind)
}
