//go:build unit || !integration

package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// txQueue runs each operation in a plain transaction against the mock database
type txQueue struct {
	db *sql.DB
}

func (q *txQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
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

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	svc := NewService(mockDB, &txQueue{db: mockDB}, 3)
	return svc, mock, func() { mockDB.Close() }
}

func TestCreateSegment_Unit(t *testing.T) {
	t.Parallel()

	svc, mock, cleanup := newMockService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO segments`).
		WithArgs(sqlmock.AnyArg(), "seg-1", "course-1", "ready", 0.0, "normal", "balanced",
			0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	seg, err := svc.Create(context.Background(), "seg-1", "course-1")
	require.NoError(t, err)
	assert.Equal(t, StageReady, seg.Status)
	assert.Equal(t, 0.0, seg.Progress)
	assert.Equal(t, 0, seg.Attempts)
	assert.NotEmpty(t, seg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSegment_Duplicate(t *testing.T) {
	t.Parallel()

	svc, mock, cleanup := newMockService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO segments`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_segments_inflight"})
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), "seg-1", "course-1")
	var dup *DuplicateSegmentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "seg-1", dup.SegmentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceSegment_Unit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		current       Stage
		next          Stage
		expectUpdate  bool
		expectedError string
	}{
		{
			name:         "ready to processing",
			current:      StageReady,
			next:         StageProcessing,
			expectUpdate: true,
		},
		{
			name:         "transcribing to transcribed",
			current:      StageTranscribing,
			next:         StageTranscribed,
			expectUpdate: true,
		},
		{
			name:         "terminology to completed",
			current:      StageProcessingTerminology,
			next:         StageCompleted,
			expectUpdate: true,
		},
		{
			name:          "skipping a stage is rejected",
			current:       StageReady,
			next:          StageTranscribing,
			expectedError: "invalid transition",
		},
		{
			name:          "going backwards is rejected",
			current:       StageTranscribed,
			next:          StageTranscribing,
			expectedError: "invalid transition",
		},
		{
			name:          "completed is terminal",
			current:       StageCompleted,
			next:          StageCompleted,
			expectedError: "invalid transition",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, mock, cleanup := newMockService(t)
			defer cleanup()

			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT status FROM segments WHERE id = \$1 FOR UPDATE`).
				WithArgs("rec-1").
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(tt.current)))

			if tt.expectUpdate {
				mock.ExpectExec(`UPDATE segments SET`).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			} else {
				mock.ExpectRollback()
			}

			err := svc.Advance(context.Background(), "rec-1", tt.next, Artifact{Path: "s3://bucket/obj"})
			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAdvanceSegment_ProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	// Walking the happy path must visit strictly increasing progress values
	stage := StageReady
	last := stage.Progress()
	for {
		next, ok := stage.Next()
		if !ok {
			break
		}
		assert.Greater(t, next.Progress(), last, "stage %s", next)
		last = next.Progress()
		stage = next
	}
	assert.Equal(t, StageCompleted, stage)
	assert.Equal(t, 100.0, stage.Progress())
}

func TestAdvanceSegment_FailedStageRejected(t *testing.T) {
	t.Parallel()

	svc, mock, cleanup := newMockService(t)
	defer cleanup()

	err := svc.Advance(context.Background(), "rec-1", StageFailed, Artifact{})
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailSegment_Unit(t *testing.T) {
	t.Parallel()

	svc, mock, cleanup := newMockService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM segments WHERE id = \$1 FOR UPDATE`).
		WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("transcribing"))
	mock.ExpectExec(`UPDATE segments`).
		WithArgs("failed", "transcription engine crashed", sqlmock.AnyArg(), "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	transitioned, err := svc.Fail(context.Background(), "rec-1", "transcription engine crashed")
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailSegment_NotFound(t *testing.T) {
	t.Parallel()

	svc, mock, cleanup := newMockService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM segments WHERE id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.Fail(context.Background(), "missing", "boom")
	assert.True(t, errors.Is(err, ErrRecordNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailSegment_SettledRecordIsNoOp(t *testing.T) {
	t.Parallel()

	// Workers deliver callbacks at least once; a redelivered fail against a
	// record that already reached a terminal stage must not write anything.
	tests := []struct {
		name   string
		status string
	}{
		{name: "already failed", status: "failed"},
		{name: "already completed", status: "completed"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, mock, cleanup := newMockService(t)
			defer cleanup()

			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT status FROM segments WHERE id = \$1 FOR UPDATE`).
				WithArgs("rec-1").
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(tt.status))
			mock.ExpectCommit()

			transitioned, err := svc.Fail(context.Background(), "rec-1", "decoder crashed again")
			require.NoError(t, err)
			assert.False(t, transitioned)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRetrySegment_Unit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		attempts  int
		exhausted bool
	}{
		{name: "first retry", attempts: 0},
		{name: "under the limit", attempts: 2},
		{name: "at the limit", attempts: 3, exhausted: true},
		{name: "over the limit", attempts: 5, exhausted: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, mock, cleanup := newMockService(t)
			defer cleanup()

			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT attempts, status FROM segments WHERE id = \$1 FOR UPDATE`).
				WithArgs("rec-1").
				WillReturnRows(sqlmock.NewRows([]string{"attempts", "status"}).
					AddRow(tt.attempts, "failed"))

			if tt.exhausted {
				mock.ExpectRollback()
			} else {
				mock.ExpectExec(`UPDATE segments`).
					WithArgs("ready", sqlmock.AnyArg(), "rec-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			}

			err := svc.Retry(context.Background(), "rec-1")
			if tt.exhausted {
				var exhausted *RetryExhaustedError
				require.ErrorAs(t, err, &exhausted)
				assert.Equal(t, tt.attempts, exhausted.Attempts)
				assert.Equal(t, 3, exhausted.Max)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReviewSegment_Unit(t *testing.T) {
	t.Parallel()

	svc, mock, cleanup := newMockService(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE segments`).
		WithArgs("needs_revision", "mistimed captions", "reviewer@example.com", sqlmock.AnyArg(), "rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.Review(context.Background(), "rec-1", ReviewNeedsRevision, "mistimed captions", "reviewer@example.com")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewSegment_UnknownOutcome(t *testing.T) {
	t.Parallel()

	svc, _, cleanup := newMockService(t)
	defer cleanup()

	err := svc.Review(context.Background(), "rec-1", ReviewOutcome("maybe"), "", "reviewer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown review outcome")
}
