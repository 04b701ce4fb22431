package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/db"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
)

type mockWorkQueue struct {
	failed     []pipeline.WorkItem
	counts     map[string]int
	redriven   []string
	redriveErr error
}

func (m *mockWorkQueue) ListFailed(_ context.Context) ([]pipeline.WorkItem, error) {
	return m.failed, nil
}

func (m *mockWorkQueue) Redrive(_ context.Context, date time.Time) error {
	if m.redriveErr != nil {
		return m.redriveErr
	}
	m.redriven = append(m.redriven, date.Format(pipeline.DateFormat))
	return nil
}

func (m *mockWorkQueue) CountsByStatus(_ context.Context) (map[string]int, error) {
	return m.counts, nil
}

type mockTaskQueue struct {
	depth   int
	dlqSize int
	err     error
}

func (m *mockTaskQueue) Depth(_ context.Context) (int, error) {
	return m.depth, m.err
}

func (m *mockTaskQueue) DLQSize(_ context.Context) (int, error) {
	return m.dlqSize, m.err
}

type mockDLQ struct {
	entries    []pipeline.DLQEntry
	lastFilter db.DLQFilter
	redriven   []string
	discarded  []string
	missing    bool
	infraErr   error
}

func (m *mockDLQ) List(_ context.Context, filter db.DLQFilter) ([]pipeline.DLQEntry, error) {
	m.lastFilter = filter
	return m.entries, nil
}

func (m *mockDLQ) Redrive(_ context.Context, taskID string) error {
	if m.infraErr != nil {
		return m.infraErr
	}
	if m.missing {
		return fmt.Errorf("no quarantined task %s: %w", taskID, db.ErrNotFound)
	}
	m.redriven = append(m.redriven, taskID)
	return nil
}

func (m *mockDLQ) RedriveAll(_ context.Context) (int, error) {
	return len(m.entries), nil
}

func (m *mockDLQ) Discard(_ context.Context, taskID string) error {
	if m.infraErr != nil {
		return m.infraErr
	}
	if m.missing {
		return fmt.Errorf("no quarantined task %s: %w", taskID, db.ErrNotFound)
	}
	m.discarded = append(m.discarded, taskID)
	return nil
}

func (m *mockDLQ) DiscardAll(_ context.Context) (int, error) {
	return len(m.entries), nil
}

func newTestHandler() (*Handler, *mockWorkQueue, *mockTaskQueue, *mockDLQ) {
	workQueue := &mockWorkQueue{counts: map[string]int{"pending": 3, "claimed": 1}}
	taskQueue := &mockTaskQueue{depth: 12, dlqSize: 2}
	dlq := &mockDLQ{}
	return NewHandler(workQueue, taskQueue, dlq, "test"), workQueue, taskQueue, dlq
}

func doRequest(t *testing.T, h *Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, _ := resp.Data.(map[string]any)
	return data
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	h, _, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRateLimitRejectsFloods(t *testing.T) {
	t.Parallel()

	h, _, _, _ := newTestHandler()
	routes := h.Routes()

	var limited bool
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited)
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	h, _, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodGet, "/v1/queues/stats")

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(12), data["task_queue_depth"])
	assert.Equal(t, float64(2), data["dlq_size"])
}

func TestListDLQWithFilters(t *testing.T) {
	t.Parallel()

	h, _, _, dlq := newTestHandler()
	rec := doRequest(t, h, http.MethodGet, "/v1/dlq?date=2025-03-01&redriven=false&limit=10")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), dlq.lastFilter.Date)
	require.NotNil(t, dlq.lastFilter.Redriven)
	assert.False(t, *dlq.lastFilter.Redriven)
	assert.Equal(t, uint64(10), dlq.lastFilter.Limit)
}

func TestListDLQRejectsBadDate(t *testing.T) {
	t.Parallel()

	h, _, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodGet, "/v1/dlq?date=01-03-2025")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedriveDLQEntry(t *testing.T) {
	t.Parallel()

	h, _, _, dlq := newTestHandler()
	rec := doRequest(t, h, http.MethodPost, "/v1/dlq/fp-1/redrive")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"fp-1"}, dlq.redriven)
}

func TestRedriveMissingDLQEntry(t *testing.T) {
	t.Parallel()

	h, _, _, dlq := newTestHandler()
	dlq.missing = true
	rec := doRequest(t, h, http.MethodPost, "/v1/dlq/fp-gone/redrive")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRedriveDLQEntryDatabaseDown(t *testing.T) {
	t.Parallel()

	h, _, _, dlq := newTestHandler()
	dlq.infraErr = errors.New("connection refused")
	rec := doRequest(t, h, http.MethodPost, "/v1/dlq/fp-1/redrive")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDiscardDLQEntry(t *testing.T) {
	t.Parallel()

	h, _, _, dlq := newTestHandler()
	rec := doRequest(t, h, http.MethodDelete, "/v1/dlq/fp-1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"fp-1"}, dlq.discarded)
}

func TestDiscardMissingDLQEntry(t *testing.T) {
	t.Parallel()

	h, _, _, dlq := newTestHandler()
	dlq.missing = true
	rec := doRequest(t, h, http.MethodDelete, "/v1/dlq/fp-gone")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscardDLQEntryDatabaseDown(t *testing.T) {
	t.Parallel()

	h, _, _, dlq := newTestHandler()
	dlq.infraErr = errors.New("connection refused")
	rec := doRequest(t, h, http.MethodDelete, "/v1/dlq/fp-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListFailedWorkItems(t *testing.T) {
	t.Parallel()

	h, workQueue, _, _ := newTestHandler()
	workQueue.failed = []pipeline.WorkItem{
		{ID: "item-1", Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Status: pipeline.WorkStatusFailed},
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/work-items?status=failed")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(1), data["count"])
}

func TestListWorkItemsRejectsOtherStatuses(t *testing.T) {
	t.Parallel()

	h, _, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodGet, "/v1/work-items?status=pending")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedriveWorkItem(t *testing.T) {
	t.Parallel()

	h, workQueue, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodPost, "/v1/work-items/2025-03-01/redrive")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"2025-03-01"}, workQueue.redriven)
}

func TestRedriveWorkItemNotFailed(t *testing.T) {
	t.Parallel()

	h, workQueue, _, _ := newTestHandler()
	workQueue.redriveErr = fmt.Errorf("no failed work item for date 2025-03-01: %w", db.ErrNotFound)
	rec := doRequest(t, h, http.MethodPost, "/v1/work-items/2025-03-01/redrive")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRedriveWorkItemDatabaseDown(t *testing.T) {
	t.Parallel()

	h, workQueue, _, _ := newTestHandler()
	workQueue.redriveErr = errors.New("connection refused")
	rec := doRequest(t, h, http.MethodPost, "/v1/work-items/2025-03-01/redrive")

	// An infrastructure failure is the server's problem, not a bad identifier.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRedriveWorkItemBadDate(t *testing.T) {
	t.Parallel()

	h, _, _, _ := newTestHandler()
	rec := doRequest(t, h, http.MethodPost, "/v1/work-items/notadate/redrive")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
