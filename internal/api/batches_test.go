//go:build unit || !integration

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacourse/segment-pipeline/internal/pipeline"
)

type batchQueue struct {
	db *sql.DB
}

func (q *batchQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func newBatchHandler(t *testing.T) (*Handler, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	orchestrator := pipeline.NewOrchestrator(mockDB, &batchQueue{db: mockDB}, nil)
	segments := pipeline.NewService(mockDB, &batchQueue{db: mockDB}, 3)
	h := NewHandler(mockDB, segments, orchestrator, nil, nil, nil)
	return h, mock, func() { mockDB.Close() }
}

func TestBatchesHandler_Create(t *testing.T) {
	t.Parallel()

	h, mock, cleanup := newBatchHandler(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batches`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	stmt := mock.ExpectPrepare(`INSERT INTO segments`)
	stmt.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	stmt.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	body := `{"segment_ids":["seg-1","seg-2"],"course_id":"course-1","quality_level":"high","concurrency":2}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.BatchesHandler(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchesHandler_DefaultConcurrency(t *testing.T) {
	t.Parallel()

	h, mock, cleanup := newBatchHandler(t)
	defer cleanup()

	// A body without a concurrency cap defaults to 1
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO batches`).
		WithArgs(sqlmock.AnyArg(), "pending", "balanced", 1, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	stmt := mock.ExpectPrepare(`INSERT INTO segments`)
	stmt.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	body := `{"segment_ids":["seg-1"],"course_id":"course-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.BatchesHandler(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchesHandler_NegativeConcurrency(t *testing.T) {
	t.Parallel()

	h, _, cleanup := newBatchHandler(t)
	defer cleanup()

	body := `{"segment_ids":["seg-1"],"course_id":"course-1","concurrency":-1}`
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.BatchesHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchesHandler_EmptyBatch(t *testing.T) {
	t.Parallel()

	h, _, cleanup := newBatchHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", strings.NewReader(`{"segment_ids":[]}`))
	rec := httptest.NewRecorder()
	h.BatchesHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchesHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h, _, cleanup := newBatchHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/v1/batches", nil)
	rec := httptest.NewRecorder()
	h.BatchesHandler(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBatchHandler_Get(t *testing.T) {
	t.Parallel()

	h, mock, cleanup := newBatchHandler(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{
		"id", "status", "quality_level", "concurrency", "total_segments",
		"completed_segments", "failed_segments", "error_message",
		"created_at", "started_at", "completed_at", "actual_duration_seconds",
	}).AddRow(
		"batch-1", "processing", "balanced", 2, 5, 3, 0,
		sql.NullString{}, time.Now(), sql.NullTime{Time: time.Now(), Valid: true},
		sql.NullTime{}, sql.NullFloat64{},
	)
	mock.ExpectQuery(`FROM batches WHERE id = \$1`).
		WithArgs("batch-1").
		WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/batch-1", nil)
	rec := httptest.NewRecorder()
	h.BatchHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchHandler_GetNotFound(t *testing.T) {
	t.Parallel()

	h, mock, cleanup := newBatchHandler(t)
	defer cleanup()

	mock.ExpectQuery(`FROM batches WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/missing", nil)
	rec := httptest.NewRecorder()
	h.BatchHandler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchHandler_Cancel(t *testing.T) {
	t.Parallel()

	h, mock, cleanup := newBatchHandler(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM batches WHERE id = \$1 FOR UPDATE`).
		WithArgs("batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	mock.ExpectExec(`UPDATE batches`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodDelete, "/v1/batches/batch-1", nil)
	rec := httptest.NewRecorder()
	h.BatchHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchHandler_CancelTerminal(t *testing.T) {
	t.Parallel()

	h, mock, cleanup := newBatchHandler(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM batches WHERE id = \$1 FOR UPDATE`).
		WithArgs("batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodDelete, "/v1/batches/batch-1", nil)
	rec := httptest.NewRecorder()
	h.BatchHandler(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBatchHandler_MissingID(t *testing.T) {
	t.Parallel()

	h, _, cleanup := newBatchHandler(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/", nil)
	rec := httptest.NewRecorder()
	h.BatchHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
