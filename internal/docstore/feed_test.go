package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeedDeliversInOrderWithoutBlockingProducer(t *testing.T) {
	t.Parallel()

	feed := NewFeed(nil)
	for i := 0; i < 100; i++ {
		feed.Push(Change{Kind: ChangeAdded, Doc: Document{Ref: NewRef("c", string(rune('a'+i%26)))}})
	}
	for i := 0; i < 100; i++ {
		select {
		case change := <-feed.Changes():
			require.Equal(t, string(rune('a'+i%26)), change.Doc.Ref.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out at %d", i)
		}
	}
	require.NoError(t, feed.Close())
}

func TestFeedFailRecordsFirstErrorAndRunsOnCloseOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	feed := NewFeed(func() { calls++ })
	first := errors.New("first")
	feed.Fail(first)
	feed.Fail(errors.New("second"))
	require.NoError(t, feed.Close())

	require.ErrorIs(t, feed.Err(), first)
	require.Equal(t, 1, calls)
	<-feed.Done()
	_, open := <-feed.Changes()
	require.False(t, open)

	feed.Push(Change{Kind: ChangeAdded})
}

func TestBatchCommitOnce(t *testing.T) {
	t.Parallel()

	var seen []Op
	b := NewBatch(func(_ context.Context, ops []Op) error {
		seen = ops
		return nil
	})
	b.Set(NewRef("c", "1"), json1())
	b.Delete(NewRef("c", "2"))
	require.Len(t, b.Ops(), 2)
	require.NoError(t, b.Commit(context.Background()))
	require.Len(t, seen, 2)
	require.True(t, seen[1].Delete)
	require.Error(t, b.Commit(context.Background()))
}

func TestBatchRejectsEmptyRef(t *testing.T) {
	t.Parallel()

	called := false
	b := NewBatch(func(context.Context, []Op) error {
		called = true
		return nil
	})
	b.Set(NewRef("", "x"), json1())
	require.Error(t, b.Commit(context.Background()))
	require.False(t, called)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	b := NewBatch(func(context.Context, []Op) error { return errors.New("unexpected") })
	require.NoError(t, b.Commit(context.Background()))
}

func json1() map[string]int {
	return map[string]int{"n": 1}
}
