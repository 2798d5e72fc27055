package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/metrics"
	"github.com/JakeFAU/realtime-product-stream/internal/product"
	"github.com/JakeFAU/realtime-product-stream/internal/queue"
)

const (
	healthTimeout = 2 * time.Second
	notFoundCode  = "ERR_NOT_FOUND"
)

// Options are shared by both servers.
type Options struct {
	// Store backs the health probe.
	Store docstore.Store
	// Timeout bounds each request. Zero disables the limit.
	Timeout time.Duration
	// APIKey, when set, is required in the X-API-Key header.
	APIKey string
	Logger *zap.Logger
}

// Server wires HTTP handlers to the worker or dispatcher.
type Server struct {
	root   chi.Router
	routes chi.Router
	store  docstore.Store
	logger *zap.Logger
}

func newServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: opts.Store, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.Timeout > 0 {
			r.Use(timeoutMiddleware(opts.Timeout))
		}
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		s.routes = r
	})
	s.root = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.root
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "no store"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	if errors.Is(err, docstore.ErrNotFound) {
		return http.StatusNotFound
	}
	var perr *product.Error
	if errors.As(err, &perr) {
		return perr.Code.Status()
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := statusFor(err)
	detail := errorDetail{Code: string(product.CodeUnexpected), Message: err.Error()}
	var perr *product.Error
	switch {
	case status == http.StatusNotFound:
		detail.Code = notFoundCode
	case errors.As(err, &perr):
		detail = errorDetail{Code: string(perr.Code), Message: perr.Message}
	}
	writeJSON(w, logger, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := queue.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		if id := strings.TrimSpace(r.Header.Get(product.RequestIDHeader)); id != "" {
			ctx = product.WithRequestID(ctx, id)
			w.Header().Set(product.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", product.RequestIDFrom(r.Context())),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, logger, product.Errorf(product.CodeUnhandledException, "%v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeJSON(w, zap.NewNop(), http.StatusForbidden, errorBody{Error: errorDetail{Code: "ERR_FORBIDDEN", Message: "unauthorized"}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
