package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/replystream"
)

// SearchDispatcher fans a search out to workers.
type SearchDispatcher interface {
	Dispatch(ctx context.Context, req product.SearchRequest) error
}

// Streams reads and closes reply streams.
type Streams interface {
	Status(ctx context.Context, requestID string) (replystream.Status, error)
	Close(ctx context.Context, requestID string) error
}

type searchBody struct {
	Search product.Search `json:"search"`
}

// NewDispatcherServer exposes d on POST / and the reply streams under
// /streams. A nil progress handler leaves /progress unrouted.
func NewDispatcherServer(d SearchDispatcher, streams Streams, progress *ProgressHandler, opts Options) *Server {
	s := newServer(opts)
	s.routes.Post("/", func(w http.ResponseWriter, r *http.Request) {
		var body searchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, s.logger, product.Wrap(product.CodeValidation, err))
			return
		}
		req := product.SearchRequest{
			RequestID: r.Header.Get(product.RequestIDHeader),
			Search:    body.Search,
		}
		if err := d.Dispatch(r.Context(), req); err != nil {
			writeError(w, s.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	s.routes.Route("/streams/{requestId}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			st, err := streams.Status(r.Context(), chi.URLParam(r, "requestId"))
			if err != nil {
				writeError(w, s.logger, err)
				return
			}
			writeJSON(w, s.logger, http.StatusOK, st)
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			if err := streams.Close(r.Context(), chi.URLParam(r, "requestId")); err != nil {
				writeError(w, s.logger, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
	if progress != nil {
		s.routes.Get("/progress/{requestId}", progress.ListTasks)
	}
	return s
}
