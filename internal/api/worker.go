package api

import (
	"context"
	"net/http"

	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/worker"
)

// TaskProcessor handles one product detail task.
type TaskProcessor interface {
	Process(ctx context.Context, task product.Task) error
}

// NewWorkerServer exposes proc on POST /.
func NewWorkerServer(proc TaskProcessor, opts Options) *Server {
	s := newServer(opts)
	s.routes.Post("/", func(w http.ResponseWriter, r *http.Request) {
		task, err := worker.DecodeTask(r.Header.Get(product.RequestIDHeader), r.Body)
		if err == nil {
			err = proc.Process(r.Context(), task)
		}
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return s
}
