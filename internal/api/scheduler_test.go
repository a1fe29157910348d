//go:build unit || !integration

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacourse/segment-pipeline/internal/cache"
	"github.com/mediacourse/segment-pipeline/internal/db"
	"github.com/mediacourse/segment-pipeline/internal/scheduler"
)

type staticMetrics struct {
	metrics *db.QueueMetrics
}

func (s *staticMetrics) CollectQueueMetrics(ctx context.Context) (*db.QueueMetrics, error) {
	return s.metrics, nil
}

func newSchedulerHandler(t *testing.T, metrics *db.QueueMetrics) (*Handler, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	thresholds := scheduler.DefaultThresholds()
	collector := scheduler.NewCollector(&staticMetrics{metrics: metrics}, cache.NewInMemoryCache(), time.Minute)
	runner := scheduler.NewRunner(
		mockDB,
		collector,
		scheduler.NewAssigner(thresholds),
		scheduler.NewPlanner(thresholds),
		scheduler.NewAdvisor(thresholds, scheduler.DefaultEffectiveConfig()),
		nil,
	)
	h := NewHandler(mockDB, nil, nil, runner, collector, nil)
	return h, mock, func() { mockDB.Close() }
}

func TestSchedulerPass(t *testing.T) {
	t.Parallel()

	h, mock, cleanup := newSchedulerHandler(t, &db.QueueMetrics{PendingCount: 2})
	defer cleanup()

	mock.ExpectQuery(`FROM segments s`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "quality_level", "batch_id", "concurrency", "total_segments",
		}).AddRow("rec-1", "balanced", nil, nil, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/scheduler/pass", nil)
	rec := httptest.NewRecorder()
	h.SchedulerPass(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	decisions := data["decisions"].([]interface{})
	require.Len(t, decisions, 1)

	first := decisions[0].(map[string]interface{})
	assert.Equal(t, "schedule", first["action"])
	assert.Equal(t, "high", first["priority"], "standalone segments are treated as single tests")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedulerPass_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h, _, cleanup := newSchedulerHandler(t, &db.QueueMetrics{})
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/v1/scheduler/pass", nil)
	rec := httptest.NewRecorder()
	h.SchedulerPass(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSchedulerRebalance(t *testing.T) {
	t.Parallel()

	h, _, cleanup := newSchedulerHandler(t, &db.QueueMetrics{})
	defer cleanup()

	body := `{"workers":[
		{"worker_id":"w1","load":9.5,"capacity":10},
		{"worker_id":"w2","load":2,"capacity":10}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/scheduler/rebalance", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.SchedulerRebalance(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	actions := data["actions"].([]interface{})
	require.Len(t, actions, 2)
	first := actions[0].(map[string]interface{})
	assert.Equal(t, "reduce_load", first["action"])
}

func TestQueueMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h, _, cleanup := newSchedulerHandler(t, &db.QueueMetrics{
		PendingCount:       9,
		FailureRatePercent: 2.5,
	})
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/v1/scheduler/metrics", nil)
	rec := httptest.NewRecorder()
	h.QueueMetrics(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, 9.0, data["pending_count"])
	assert.Equal(t, 2.5, data["failure_rate_percent"])
}
