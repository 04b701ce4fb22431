package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/db"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

// WorkQueueAdmin is the operator-facing slice of the work queue.
type WorkQueueAdmin interface {
	ListFailed(ctx context.Context) ([]pipeline.WorkItem, error)
	Redrive(ctx context.Context, date time.Time) error
	CountsByStatus(ctx context.Context) (map[string]int, error)
}

// TaskQueueStats reports the task queue gauges.
type TaskQueueStats interface {
	Depth(ctx context.Context) (int, error)
	DLQSize(ctx context.Context) (int, error)
}

// DLQAdmin is the operator surface over quarantined tasks.
type DLQAdmin interface {
	List(ctx context.Context, filter db.DLQFilter) ([]pipeline.DLQEntry, error)
	Redrive(ctx context.Context, taskID string) error
	RedriveAll(ctx context.Context) (int, error)
	Discard(ctx context.Context, taskID string) error
	DiscardAll(ctx context.Context) (int, error)
}

// Handler holds the operator API's dependencies.
type Handler struct {
	workQueue WorkQueueAdmin
	taskQueue TaskQueueStats
	dlq       DLQAdmin
	version   string
}

// NewHandler creates an API handler.
func NewHandler(workQueue WorkQueueAdmin, taskQueue TaskQueueStats, dlq DLQAdmin, version string) *Handler {
	return &Handler{
		workQueue: workQueue,
		taskQueue: taskQueue,
		dlq:       dlq,
		version:   version,
	}
}

// Routes returns the API handler with middleware applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /v1/queues/stats", h.queueStats)

	mux.HandleFunc("GET /v1/dlq", h.listDLQ)
	mux.HandleFunc("POST /v1/dlq/redrive", h.redriveAllDLQ)
	mux.HandleFunc("POST /v1/dlq/{id}/redrive", h.redriveDLQ)
	mux.HandleFunc("DELETE /v1/dlq", h.discardAllDLQ)
	mux.HandleFunc("DELETE /v1/dlq/{id}", h.discardDLQ)

	mux.HandleFunc("GET /v1/work-items", h.listWorkItems)
	mux.HandleFunc("POST /v1/work-items/{date}/redrive", h.redriveWorkItem)

	limited := RateLimitMiddleware(NewRateLimiter(), mux)
	return RequestIDMiddleware(LoggingMiddleware(limited))
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	WriteHealthy(w, r, "bbc-news-etl-pipeline", h.version)
}

// queueStats reports the same numbers the autoscaler gauges expose, for
// humans and scripts that prefer JSON over a metrics scrape.
func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	var (
		workCounts map[string]int
		taskDepth  int
		dlqSize    int
	)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		workCounts, err = h.workQueue.CountsByStatus(ctx)
		return err
	})
	g.Go(func() (err error) {
		taskDepth, err = h.taskQueue.Depth(ctx)
		return err
	})
	g.Go(func() (err error) {
		dlqSize, err = h.taskQueue.DLQSize(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"work_items":       workCounts,
		"task_queue_depth": taskDepth,
		"dlq_size":         dlqSize,
	}, "")
}

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	var filter db.DLQFilter

	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		date, err := time.Parse(pipeline.DateFormat, dateStr)
		if err != nil {
			BadRequest(w, r, "date must be YYYY-MM-DD")
			return
		}
		filter.Date = date
	}
	if redrivenStr := r.URL.Query().Get("redriven"); redrivenStr != "" {
		redriven, err := strconv.ParseBool(redrivenStr)
		if err != nil {
			BadRequest(w, r, "redriven must be true or false")
			return
		}
		filter.Redriven = &redriven
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.ParseUint(limitStr, 10, 32)
		if err != nil {
			BadRequest(w, r, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.dlq.List(r.Context(), filter)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	}, "")
}

func (h *Handler) redriveDLQ(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := h.dlq.Redrive(r.Context(), taskID); err != nil {
		// Only a missing entry is the caller's fault.
		if errors.Is(err, db.ErrNotFound) {
			NotFound(w, r, err.Error())
		} else {
			DatabaseError(w, r, err)
		}
		return
	}
	WriteSuccess(w, r, map[string]string{"task_id": taskID}, "Task redriven")
}

func (h *Handler) redriveAllDLQ(w http.ResponseWriter, r *http.Request) {
	redriven, err := h.dlq.RedriveAll(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int{"redriven": redriven}, "All quarantined tasks redriven")
}

func (h *Handler) discardDLQ(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := h.dlq.Discard(r.Context(), taskID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			NotFound(w, r, err.Error())
		} else {
			DatabaseError(w, r, err)
		}
		return
	}
	WriteSuccess(w, r, map[string]string{"task_id": taskID}, "DLQ entry discarded")
}

func (h *Handler) discardAllDLQ(w http.ResponseWriter, r *http.Request) {
	discarded, err := h.dlq.DiscardAll(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]int{"discarded": discarded}, "DLQ emptied")
}

// listWorkItems returns permanently failed work items, the work-level
// analogue of the DLQ listing.
func (h *Handler) listWorkItems(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" && status != "failed" {
		BadRequest(w, r, "only status=failed is supported")
		return
	}

	items, err := h.workQueue.ListFailed(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"work_items": items,
		"count":      len(items),
	}, "")
}

func (h *Handler) redriveWorkItem(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse(pipeline.DateFormat, r.PathValue("date"))
	if err != nil {
		BadRequest(w, r, "date must be YYYY-MM-DD")
		return
	}

	if err := h.workQueue.Redrive(r.Context(), date); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			NotFound(w, r, err.Error())
		} else {
			DatabaseError(w, r, err)
		}
		return
	}
	WriteSuccess(w, r, map[string]string{"date": date.Format(pipeline.DateFormat)}, "Work item redriven")
}
