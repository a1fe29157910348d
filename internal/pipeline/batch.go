package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// BatchNotifier receives batch terminal transitions. Implementations must not
// block; delivery is best-effort.
type BatchNotifier interface {
	NotifyBatchFinished(ctx context.Context, batch *Batch)
}

// Orchestrator creates batches and tracks their aggregate progress. It never
// dispatches work itself; the scheduler reads the batch concurrency cap when
// planning a pass.
type Orchestrator struct {
	db       *sql.DB
	dbQueue  DbQueueProvider
	notifier BatchNotifier
}

// NewOrchestrator creates a batch orchestrator. notifier may be nil.
func NewOrchestrator(database *sql.DB, dbQueue DbQueueProvider, notifier BatchNotifier) *Orchestrator {
	return &Orchestrator{
		db:       database,
		dbQueue:  dbQueue,
		notifier: notifier,
	}
}

// CreateBatch atomically creates a batch record plus one segment record per
// segment ID. Concurrency below 1 is rejected with ErrInvalidConcurrency. An
// in-flight duplicate among the segment IDs aborts the whole batch with
// DuplicateSegmentError.
func (o *Orchestrator) CreateBatch(ctx context.Context, segmentIDs []string, courseID, qualityLevel string, concurrency int) (*Batch, error) {
	span := sentry.StartSpan(ctx, "pipeline.create_batch")
	defer span.Finish()

	if len(segmentIDs) == 0 {
		return nil, ErrEmptyBatch
	}
	if concurrency < 1 {
		return nil, ErrInvalidConcurrency
	}
	if qualityLevel == "" {
		qualityLevel = "balanced"
	}

	span.SetTag("segment_count", fmt.Sprintf("%d", len(segmentIDs)))

	now := time.Now().UTC()
	batch := &Batch{
		ID:            uuid.New().String(),
		Status:        BatchStatusPending,
		QualityLevel:  qualityLevel,
		Concurrency:   concurrency,
		TotalSegments: len(segmentIDs),
		CreatedAt:     now,
	}

	var dupSegment string
	err := o.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (
				id, status, quality_level, concurrency, total_segments,
				completed_segments, failed_segments, created_at, started_at
			) VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $6)`,
			batch.ID, string(batch.Status), batch.QualityLevel, batch.Concurrency,
			batch.TotalSegments, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO segments (
				id, segment_id, course_id, batch_id, status, progress,
				priority, quality_level, attempts, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, 0, 'normal', $6, 0, $7, $7)`)
		if err != nil {
			return fmt.Errorf("failed to prepare segment insert: %w", err)
		}
		defer stmt.Close()

		for _, segmentID := range segmentIDs {
			_, err := stmt.ExecContext(ctx,
				uuid.New().String(), segmentID, courseID, batch.ID,
				string(StageReady), qualityLevel, now,
			)
			if err != nil {
				if isUniqueViolation(err) {
					dupSegment = segmentID
				}
				return fmt.Errorf("failed to insert segment %s: %w", segmentID, err)
			}
		}
		return nil
	})

	if err != nil {
		if dupSegment != "" {
			return nil, &DuplicateSegmentError{SegmentID: dupSegment}
		}
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	log.Info().
		Str("batch_id", batch.ID).
		Str("course_id", courseID).
		Int("total_segments", batch.TotalSegments).
		Int("concurrency", concurrency).
		Str("quality_level", qualityLevel).
		Msg("Created batch")

	return batch, nil
}

// RecordCompletion increments the batch counters for one finished segment and
// flips the batch to its terminal status once every segment has reported.
func (o *Orchestrator) RecordCompletion(ctx context.Context, batchID, segmentID string, success bool) error {
	span := sentry.StartSpan(ctx, "pipeline.record_batch_completion")
	defer span.Finish()

	span.SetTag("batch_id", batchID)

	var finished *Batch
	err := o.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		counter := "completed_segments"
		if !success {
			counter = "failed_segments"
		}

		var batch Batch
		var startedAt sql.NullTime
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`
			UPDATE batches
			SET %s = %s + 1,
				status = CASE WHEN status = 'pending' THEN 'processing' ELSE status END
			WHERE id = $1
			RETURNING id, status, quality_level, concurrency, total_segments,
				completed_segments, failed_segments, created_at, started_at
		`, counter, counter), batchID).Scan(
			&batch.ID, &batch.Status, &batch.QualityLevel, &batch.Concurrency,
			&batch.TotalSegments, &batch.CompletedSegments, &batch.FailedSegments,
			&batch.CreatedAt, &startedAt,
		)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to update batch counters: %w", err)
		}
		if startedAt.Valid {
			batch.StartedAt = startedAt.Time
		}

		if batch.CompletedSegments+batch.FailedSegments < batch.TotalSegments {
			return nil
		}
		if batch.Status == BatchStatusCancelled {
			// Late worker callbacks against a cancelled batch only bump
			// counters; the terminal status stands.
			return nil
		}

		final := BatchStatusCompleted
		if batch.FailedSegments > 0 {
			final = BatchStatusFailed
		}
		now := time.Now().UTC()
		duration := now.Sub(batch.StartedAt).Seconds()

		_, err = tx.ExecContext(ctx, `
			UPDATE batches
			SET status = $1, completed_at = $2, actual_duration_seconds = $3
			WHERE id = $4
		`, string(final), now, duration, batchID)
		if err != nil {
			return fmt.Errorf("failed to finalise batch: %w", err)
		}

		batch.Status = final
		batch.CompletedAt = now
		batch.ActualDuration = duration
		finished = &batch
		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("batch_id", batchID).
		Str("segment_id", segmentID).
		Bool("success", success).
		Msg("Recorded segment completion for batch")

	if finished != nil {
		log.Info().
			Str("batch_id", finished.ID).
			Str("status", string(finished.Status)).
			Int("completed", finished.CompletedSegments).
			Int("failed", finished.FailedSegments).
			Float64("duration_seconds", finished.ActualDuration).
			Msg("Batch finished")
		if o.notifier != nil {
			o.notifier.NotifyBatchFinished(ctx, finished)
		}
	}

	return nil
}

// Cancel moves a pending or processing batch to cancelled. Cancellation is
// advisory: already-dispatched external jobs keep running and their eventual
// callbacks are treated as late reports.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) error {
	span := sentry.StartSpan(ctx, "pipeline.cancel_batch")
	defer span.Finish()

	span.SetTag("batch_id", batchID)

	err := o.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		var status BatchStatus
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM batches WHERE id = $1 FOR UPDATE
		`, batchID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load batch: %w", err)
		}

		if status != BatchStatusPending && status != BatchStatusProcessing {
			return fmt.Errorf("batch cannot be cancelled from status %s", status)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE batches SET status = $1, completed_at = $2 WHERE id = $3
		`, string(BatchStatusCancelled), time.Now().UTC(), batchID)
		return err
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("batch_id", batchID).
		Msg("Cancelled batch")

	return nil
}

// GetBatch retrieves a batch by ID
func (o *Orchestrator) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	var batch Batch
	var errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	var duration sql.NullFloat64

	err := o.db.QueryRowContext(ctx, `
		SELECT id, status, quality_level, concurrency, total_segments,
			completed_segments, failed_segments, error_message,
			created_at, started_at, completed_at, actual_duration_seconds
		FROM batches WHERE id = $1
	`, batchID).Scan(
		&batch.ID, &batch.Status, &batch.QualityLevel, &batch.Concurrency,
		&batch.TotalSegments, &batch.CompletedSegments, &batch.FailedSegments,
		&errorMessage, &batch.CreatedAt, &startedAt, &completedAt, &duration,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	batch.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		batch.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		batch.CompletedAt = completedAt.Time
	}
	if duration.Valid {
		batch.ActualDuration = duration.Float64
	}

	return &batch, nil
}

// CleanupStuckBatches finalises batches whose counters already cover every
// segment but whose status was never flipped, e.g. after a crash between the
// counter update and the finalise statement.
func (o *Orchestrator) CleanupStuckBatches(ctx context.Context) error {
	span := sentry.StartSpan(ctx, "pipeline.cleanup_stuck_batches")
	defer span.Finish()

	result, err := o.db.ExecContext(ctx, `
		UPDATE batches
		SET status = CASE WHEN failed_segments > 0 THEN 'failed' ELSE 'completed' END,
			completed_at = COALESCE(completed_at, NOW()),
			actual_duration_seconds = COALESCE(actual_duration_seconds,
				EXTRACT(EPOCH FROM (NOW() - started_at)))
		WHERE status IN ('pending', 'processing')
		AND total_segments > 0
		AND completed_segments + failed_segments >= total_segments
	`)
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		return fmt.Errorf("failed to cleanup stuck batches: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		log.Info().
			Int64("batches_fixed", rows).
			Msg("Fixed stuck batches")
	}

	return nil
}
