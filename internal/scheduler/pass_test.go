//go:build unit || !integration

package scheduler

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacourse/segment-pipeline/internal/cache"
	"github.com/mediacourse/segment-pipeline/internal/db"
)

func pendingJobRows(rows ...[]any) *sqlmock.Rows {
	out := sqlmock.NewRows([]string{"id", "quality_level", "batch_id", "concurrency", "total_segments"})
	for _, r := range rows {
		vals := make([]driver.Value, len(r))
		for i, v := range r {
			vals[i] = v
		}
		out.AddRow(vals...)
	}
	return out
}

func newPassRunner(t *testing.T, metrics *db.QueueMetrics) (*Runner, sqlmock.Sqlmock, func()) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	thresholds := DefaultThresholds()
	collector := NewCollector(&fakeMetricsSource{metrics: metrics}, cache.NewInMemoryCache(), time.Minute)
	runner := NewRunner(
		mockDB,
		collector,
		NewAssigner(thresholds),
		NewPlanner(thresholds),
		NewAdvisor(thresholds, DefaultEffectiveConfig()),
		nil,
	)
	return runner, mock, func() { mockDB.Close() }
}

func TestRunPass_Unit(t *testing.T) {
	t.Parallel()

	runner, mock, cleanup := newPassRunner(t, &db.QueueMetrics{
		PendingCount:         3,
		ProcessingCount:      0,
		AvgProcessingSeconds: 120,
	})
	defer cleanup()

	mock.ExpectQuery(`FROM segments s`).
		WillReturnRows(pendingJobRows(
			// A standalone segment counts as a single test and goes high
			[]any{"solo", "balanced", nil, nil, nil},
			[]any{"b1", "fast", sql.NullString{String: "batch-1", Valid: true}, 2, 10},
			[]any{"b2", "fast", sql.NullString{String: "batch-1", Valid: true}, 2, 10},
		))

	result, err := runner.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Decisions, 3)

	byJob := decisionByJob(result.Decisions)
	assert.Equal(t, PriorityHigh, byJob["solo"].Priority)
	assert.Equal(t, PriorityNormal, byJob["b1"].Priority)
	assert.Equal(t, ActionSchedule, byJob["solo"].Action)
	assert.Equal(t, ActionSchedule, byJob["b1"].Action)
	assert.Equal(t, ActionSchedule, byJob["b2"].Action)

	assert.Equal(t, LoadNormal, result.Advice.Status)
	assert.Equal(t, DefaultEffectiveConfig(), result.Config)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPass_BacklogRaisesConfig(t *testing.T) {
	t.Parallel()

	runner, mock, cleanup := newPassRunner(t, &db.QueueMetrics{
		PendingCount: 120,
	})
	defer cleanup()

	mock.ExpectQuery(`FROM segments s`).
		WillReturnRows(pendingJobRows())

	result, err := runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Decisions)
	assert.Equal(t, LoadCritical, result.Advice.Status)
	assert.Equal(t, DefaultEffectiveConfig().ConcurrencyLimit*2, result.Config.ConcurrencyLimit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPass_QueryError(t *testing.T) {
	t.Parallel()

	runner, mock, cleanup := newPassRunner(t, &db.QueueMetrics{})
	defer cleanup()

	mock.ExpectQuery(`FROM segments s`).
		WillReturnError(sql.ErrConnDone)

	_, err := runner.RunPass(context.Background())
	assert.Error(t, err)
}
