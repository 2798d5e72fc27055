package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/docstore/memory"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/replystream"
)

type fakeProcessor struct {
	tasks []product.Task
	ctxID string
	err   error
}

func (f *fakeProcessor) Process(ctx context.Context, task product.Task) error {
	f.tasks = append(f.tasks, task)
	f.ctxID = product.RequestIDFrom(ctx)
	return f.err
}

type fakeDispatcher struct {
	reqs []product.SearchRequest
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req product.SearchRequest) error {
	f.reqs = append(f.reqs, req)
	return f.err
}

type fakeStreams struct {
	status replystream.Status
	err    error
	closed []string
}

func (f *fakeStreams) Status(_ context.Context, requestID string) (replystream.Status, error) {
	if f.err != nil {
		return replystream.Status{}, f.err
	}
	st := f.status
	st.RequestID = requestID
	return st, nil
}

func (f *fakeStreams) Close(_ context.Context, requestID string) error {
	f.closed = append(f.closed, requestID)
	return f.err
}

type downStore struct {
	*memory.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func post(h http.Handler, requestID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if requestID != "" {
		req.Header.Set(product.RequestIDHeader, requestID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWorkerServerProcessesTask(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	srv := NewWorkerServer(proc, Options{Store: memory.New(), Logger: zap.NewNop()})

	rec := post(srv.Handler(), "req-1", `{"product":{"productId":"4711","productUrl":"https://www.ocado.com/products/4711","source":"ocado"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, proc.tasks, 1)
	require.Equal(t, "req-1", proc.tasks[0].RequestID)
	require.Equal(t, product.SourceOcado, proc.tasks[0].Product.Source)
	require.Equal(t, "req-1", proc.ctxID)
	require.Equal(t, "req-1", rec.Header().Get(product.RequestIDHeader))
}

func TestWorkerServerMapsErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", product.NewError(product.CodeValidation, "missing Request-Id header"), http.StatusBadRequest, "ERR_VALIDATION"},
		{"conflict", product.NewError(product.CodeLockConflict, "item locked"), http.StatusConflict, "ERR_LOCK_CONFLICT"},
		{"rate limited", product.NewError(product.CodeRateLimitExceeded, "slow down"), http.StatusTooManyRequests, "ERR_RATE_LIMIT_EXCEEDED"},
		{"wrapped", fmt.Errorf("commit: %w", product.NewError(product.CodeUnexpected, "store down")), http.StatusInternalServerError, "ERR_UNEXPECTED_ERROR"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "ERR_UNEXPECTED_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := NewWorkerServer(&fakeProcessor{err: tc.err}, Options{})
			rec := post(srv.Handler(), "req-1", `{"product":{"productId":"1","productUrl":"u","source":"OCADO"}}`)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}

	proc := &fakeProcessor{}
	srv := NewWorkerServer(proc, Options{})
	rec := post(srv.Handler(), "req-1", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, proc.tasks)
}

func TestDispatcherServer(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	total := 3
	streams := &fakeStreams{status: replystream.Status{Keyword: "beer", DocsReceived: 3, TotalDocsExpected: &total, Completed: true}}
	srv := NewDispatcherServer(d, streams, nil, Options{})
	h := srv.Handler()

	rec := post(h, "req-1", `{"search":{"keyword":"beer"}}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []product.SearchRequest{{RequestID: "req-1", Search: product.Search{Keyword: "beer"}}}, d.reqs)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams/req-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st replystream.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "req-1", st.RequestID)
	require.True(t, st.Completed)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/streams/req-1", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{"req-1"}, streams.closed)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress/req-1", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatcherServerErrors(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{err: product.NewError(product.CodeLockConflict, "request req-1 is already being processed")}
	streams := &fakeStreams{err: replystream.ErrStreamNotFound}
	h := NewDispatcherServer(d, streams, nil, Options{}).Handler()

	rec := post(h, "req-1", `{"search":{"keyword":"beer"}}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "request req-1 is already being processed", decodeError(t, rec).Message)

	rec = post(h, "req-1", `[`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, d.reqs, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams/unknown", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, notFoundCode, decodeError(t, rec).Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		store  docstore.Store
		status int
	}{
		"up":       {memory.New(), http.StatusOK},
		"down":     {downStore{memory.New()}, http.StatusServiceUnavailable},
		"no store": {nil, http.StatusServiceUnavailable},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := NewWorkerServer(&fakeProcessor{}, Options{Store: tc.store}).Handler()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := NewWorkerServer(&fakeProcessor{}, Options{}).Handler()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestAPIKeyGuardsTaskRoutes(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	h := NewWorkerServer(proc, Options{APIKey: "secret", Timeout: time.Second}).Handler()

	rec := post(h, "req-1", `{"product":{"productId":"1","productUrl":"u","source":"OCADO"}}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, proc.tasks)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"product":{"productId":"1","productUrl":"u","source":"OCADO"}}`))
	req.Header.Set(product.RequestIDHeader, "req-1")
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "health is not behind the key")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, string(product.CodeUnhandledException), decodeError(t, rec).Code)
}
