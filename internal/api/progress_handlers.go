package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-product-stream/internal/docstore"
	"github.com/JakeFAU/realtime-product-stream/internal/progress/sinks"
)

const (
	defaultTaskLimit = 100
	maxTaskLimit     = 1000
	progressTimeout  = 3 * time.Second
)

// ProgressHandler exposes the task states recorded by sinks.StoreSink.
type ProgressHandler struct {
	store      docstore.Store
	collection string
	timeout    time.Duration
	logger     *zap.Logger
}

// NewProgressHandler reads collection, or sinks.DefaultCollection when
// empty.
func NewProgressHandler(store docstore.Store, collection string, logger *zap.Logger) *ProgressHandler {
	if collection == "" {
		collection = sinks.DefaultCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		store:      store,
		collection: collection,
		timeout:    progressTimeout,
		logger:     logger,
	}
}

// ListTasks handles GET /progress/{requestId}?stage=&limit=&offset=. It
// returns {"tasks": [...]} ordered by item id, with the request's own entry
// first. Invalid query parameters yield 400, a missing store 503.
func (h *ProgressHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, h.logger, http.StatusServiceUnavailable, errorBody{Error: errorDetail{Code: "ERR_UNAVAILABLE", Message: "progress store unavailable"}})
		return
	}
	requestID := strings.TrimSpace(chi.URLParam(r, "requestId"))
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeJSON(w, h.logger, http.StatusBadRequest, errorBody{Error: errorDetail{Code: "ERR_VALIDATION", Message: err.Error()}})
		return
	}
	stage := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("stage")))

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	docs, err := h.store.List(ctx, h.collection)
	if err != nil {
		h.logger.Error("list task progress failed", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, h.logger, err)
		return
	}

	tasks := make([]sinks.TaskStatus, 0, len(docs))
	for _, doc := range docs {
		var st sinks.TaskStatus
		if err := doc.DataTo(&st); err != nil {
			h.logger.Warn("skipping malformed progress document", zap.String("doc", doc.Ref.String()), zap.Error(err))
			continue
		}
		if st.RequestID != requestID || (stage != "" && st.Stage != stage) {
			continue
		}
		tasks = append(tasks, st)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ItemID < tasks[j].ItemID })

	if offset >= len(tasks) {
		tasks = tasks[:0]
	} else {
		tasks = tasks[offset:]
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"tasks": tasks})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
