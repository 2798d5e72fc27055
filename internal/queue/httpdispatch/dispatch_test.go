package httpdispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
)

func TestEnqueueDeliversAfterCallerCancels(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies []string
		ids    []string
		types  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		ids = append(ids, r.Header.Get(product.RequestIDHeader))
		types = append(types, r.Header.Get("Content-Type"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := New(srv.Client(), 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range []string{"a", "b", "c"} {
		req := queue.Request{
			URL:    srv.URL,
			Header: http.Header{product.RequestIDHeader: {"req-1"}},
			Body:   []byte(`{"taskId":"` + id + `"}`),
		}
		require.NoError(t, d.Enqueue(ctx, "product-detail-ocado", req))
	}
	cancel()
	require.NoError(t, d.Close())

	require.Len(t, bodies, 3)
	require.ElementsMatch(t, []string{`{"taskId":"a"}`, `{"taskId":"b"}`, `{"taskId":"c"}`}, bodies)
	require.Equal(t, []string{"req-1", "req-1", "req-1"}, ids)
	require.Equal(t, []string{"application/json", "application/json", "application/json"}, types)

	require.ErrorIs(t, d.Enqueue(context.Background(), "q", queue.Request{URL: srv.URL}), ErrClosed)
}

func TestSendReturnsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	status, err := Send(context.Background(), srv.Client(), queue.Request{URL: srv.URL, Method: http.MethodPut})
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, status)

	_, err = Send(context.Background(), srv.Client(), queue.Request{URL: "http://127.0.0.1:0/"})
	require.Error(t, err)
}
