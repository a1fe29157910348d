package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mediacourse/segment-pipeline/internal/db"
)

// DbQueueProvider defines the transactional interface the pipeline needs
type DbQueueProvider interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
}

// Service owns segment record lifecycle: creation, stage advancement,
// failure, retry and review.
type Service struct {
	db          *sql.DB
	dbQueue     DbQueueProvider
	maxAttempts int
}

// NewService creates a segment service. maxAttempts bounds Retry; zero
// selects DefaultMaxAttempts.
func NewService(database *sql.DB, dbQueue DbQueueProvider, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{
		db:          database,
		dbQueue:     dbQueue,
		maxAttempts: maxAttempts,
	}
}

// Create inserts a new segment record in the ready stage. A concurrent or
// earlier in-flight record for the same segment surfaces as
// DuplicateSegmentError via the partial unique index.
func (s *Service) Create(ctx context.Context, segmentID, courseID string) (*Segment, error) {
	span := sentry.StartSpan(ctx, "pipeline.create_segment")
	defer span.Finish()

	span.SetTag("segment_id", segmentID)

	seg := &Segment{
		ID:           uuid.New().String(),
		SegmentID:    segmentID,
		CourseID:     courseID,
		Status:       StageReady,
		Progress:     StageReady.Progress(),
		Priority:     "normal",
		QualityLevel: "balanced",
		CreatedAt:    time.Now().UTC(),
	}
	seg.UpdatedAt = seg.CreatedAt

	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO segments (
				id, segment_id, course_id, status, progress, priority, quality_level,
				attempts, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			seg.ID, seg.SegmentID, seg.CourseID, string(seg.Status), seg.Progress,
			seg.Priority, seg.QualityLevel, seg.Attempts, seg.CreatedAt, seg.UpdatedAt,
		)
		return err
	})

	if err != nil {
		if isUniqueViolation(err) {
			return nil, &DuplicateSegmentError{SegmentID: segmentID}
		}
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to create segment record: %w", err)
	}

	log.Info().
		Str("record_id", seg.ID).
		Str("segment_id", segmentID).
		Str("course_id", courseID).
		Msg("Created segment record")

	return seg, nil
}

// Advance moves a record to nextStage, which must be the immediate successor
// of its current stage. Stage timestamps and the reported artifact are
// recorded and progress is recomputed from the fixed stage mapping.
func (s *Service) Advance(ctx context.Context, recordID string, nextStage Stage, artifact Artifact) error {
	span := sentry.StartSpan(ctx, "pipeline.advance_segment")
	defer span.Finish()

	span.SetTag("record_id", recordID)
	span.SetTag("next_stage", string(nextStage))

	if !nextStage.Valid() || nextStage == StageFailed {
		return &InvalidTransitionError{To: nextStage}
	}

	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		var current Stage
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM segments WHERE id = $1 FOR UPDATE
		`, recordID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load segment record: %w", err)
		}

		expected, ok := current.Next()
		if !ok || expected != nextStage {
			return &InvalidTransitionError{From: current, To: nextStage}
		}

		now := time.Now().UTC()
		set := `status = $1, progress = $2, updated_at = $3`
		args := []any{string(nextStage), nextStage.Progress(), now, now}

		// Stage-specific timestamps and artifact references, with $4 bound to
		// now. Advancing into a stage stamps its start; advancing out stamps
		// its completion.
		switch nextStage {
		case StageProcessing:
			set += `, started_at = $4, audio_started_at = $4`
		case StageAudioExtracted:
			set += `, audio_completed_at = $4, audio_path = $5`
			args = append(args, artifact.Path)
		case StageTranscribing:
			set += `, transcript_started_at = $4`
		case StageTranscribed:
			set += `, transcript_completed_at = $4, transcript_path = $5`
			args = append(args, artifact.Path)
		case StageProcessingTerminology:
			set += `, terminology_started_at = $4`
		case StageCompleted:
			set += `, terminology_completed_at = $4, terminology_count = $5, completed_at = $4`
			args = append(args, artifact.Count)
		}

		args = append(args, recordID)
		query := fmt.Sprintf(`UPDATE segments SET %s WHERE id = $%d`, set, len(args))

		_, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to advance segment record: %w", err)
		}
		return nil
	})

	if err != nil {
		if _, ok := err.(*InvalidTransitionError); !ok && err != ErrRecordNotFound {
			span.SetTag("error", "true")
			span.SetData("error.message", err.Error())
			sentry.CaptureException(err)
		}
		return err
	}

	log.Info().
		Str("record_id", recordID).
		Str("stage", string(nextStage)).
		Float64("progress", nextStage.Progress()).
		Msg("Segment advanced")

	return nil
}

// Fail marks a record failed and stores the error message. Attempts is left
// unchanged; it increments only on an explicit Retry. A record that already
// reached a terminal stage is left untouched and reported as not transitioned,
// so a redelivered callback cannot be counted twice.
func (s *Service) Fail(ctx context.Context, recordID, errorMessage string) (bool, error) {
	span := sentry.StartSpan(ctx, "pipeline.fail_segment")
	defer span.Finish()

	span.SetTag("record_id", recordID)

	transitioned := false
	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		var current Stage
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM segments WHERE id = $1 FOR UPDATE
		`, recordID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load segment record: %w", err)
		}

		if current.Terminal() {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE segments
			SET status = $1, error_message = $2, updated_at = $3
			WHERE id = $4
		`, string(StageFailed), errorMessage, time.Now().UTC(), recordID)
		if err != nil {
			return fmt.Errorf("failed to mark segment failed: %w", err)
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if !transitioned {
		log.Warn().
			Str("record_id", recordID).
			Msg("Ignoring fail callback for settled segment")
		return false, nil
	}

	log.Warn().
		Str("record_id", recordID).
		Str("error_message", errorMessage).
		Msg("Segment failed")

	return true, nil
}

// Retry resets a failed record to ready and increments its attempt counter.
// Records at or over the attempt limit return RetryExhaustedError.
func (s *Service) Retry(ctx context.Context, recordID string) error {
	span := sentry.StartSpan(ctx, "pipeline.retry_segment")
	defer span.Finish()

	span.SetTag("record_id", recordID)

	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		var attempts int
		var status Stage
		err := tx.QueryRowContext(ctx, `
			SELECT attempts, status FROM segments WHERE id = $1 FOR UPDATE
		`, recordID).Scan(&attempts, &status)
		if err == sql.ErrNoRows {
			return ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load segment record: %w", err)
		}

		if attempts >= s.maxAttempts {
			return &RetryExhaustedError{RecordID: recordID, Attempts: attempts, Max: s.maxAttempts}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE segments
			SET status = $1, progress = 0, error_message = NULL,
				attempts = attempts + 1, started_at = NULL, updated_at = $2
			WHERE id = $3
		`, string(StageReady), time.Now().UTC(), recordID)
		if err != nil {
			return fmt.Errorf("failed to reset segment record: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("record_id", recordID).
		Msg("Segment reset for retry")

	return nil
}

// Review attaches a human QA verdict without touching pipeline status.
func (s *Service) Review(ctx context.Context, recordID string, outcome ReviewOutcome, feedback, reviewer string) error {
	span := sentry.StartSpan(ctx, "pipeline.review_segment")
	defer span.Finish()

	span.SetTag("record_id", recordID)

	if !outcome.Valid() {
		return fmt.Errorf("unknown review outcome: %s", outcome)
	}

	err := s.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE segments
			SET review_status = $1, review_feedback = $2, reviewed_by = $3,
				reviewed_at = $4, updated_at = $4
			WHERE id = $5
		`, string(outcome), feedback, reviewer, time.Now().UTC(), recordID)
		if err != nil {
			return fmt.Errorf("failed to record review: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("record_id", recordID).
		Str("outcome", string(outcome)).
		Str("reviewer", reviewer).
		Msg("Segment reviewed")

	return nil
}

// Get retrieves a segment record by ID
func (s *Service) Get(ctx context.Context, recordID string) (*Segment, error) {
	var seg Segment
	var batchID, errorMessage, audioPath, transcriptPath sql.NullString
	var reviewStatus, reviewFeedback, reviewedBy sql.NullString
	var termCount sql.NullInt64
	var audioStarted, audioCompleted, transcriptStarted, transcriptCompleted sql.NullTime
	var termStarted, termCompleted, reviewedAt, startedAt, completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, segment_id, course_id, batch_id, status, progress, priority,
			quality_level, error_message, attempts,
			audio_started_at, audio_completed_at, audio_path,
			transcript_started_at, transcript_completed_at, transcript_path,
			terminology_started_at, terminology_completed_at, terminology_count,
			review_status, review_feedback, reviewed_by, reviewed_at,
			started_at, completed_at, created_at, updated_at
		FROM segments WHERE id = $1
	`, recordID).Scan(
		&seg.ID, &seg.SegmentID, &seg.CourseID, &batchID, &seg.Status, &seg.Progress,
		&seg.Priority, &seg.QualityLevel, &errorMessage, &seg.Attempts,
		&audioStarted, &audioCompleted, &audioPath,
		&transcriptStarted, &transcriptCompleted, &transcriptPath,
		&termStarted, &termCompleted, &termCount,
		&reviewStatus, &reviewFeedback, &reviewedBy, &reviewedAt,
		&startedAt, &completedAt, &seg.CreatedAt, &seg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment record: %w", err)
	}

	seg.BatchID = batchID.String
	seg.ErrorMessage = errorMessage.String
	seg.AudioPath = audioPath.String
	seg.TranscriptPath = transcriptPath.String
	seg.ReviewStatus = reviewStatus.String
	seg.ReviewFeedback = reviewFeedback.String
	seg.ReviewedBy = reviewedBy.String
	if termCount.Valid {
		seg.TerminologyCount = int(termCount.Int64)
	}
	for dst, src := range map[*time.Time]sql.NullTime{
		&seg.AudioStartedAt:         audioStarted,
		&seg.AudioCompletedAt:       audioCompleted,
		&seg.TranscriptStartedAt:    transcriptStarted,
		&seg.TranscriptCompletedAt:  transcriptCompleted,
		&seg.TerminologyStartedAt:   termStarted,
		&seg.TerminologyCompletedAt: termCompleted,
		&seg.ReviewedAt:             reviewedAt,
		&seg.StartedAt:              startedAt,
		&seg.CompletedAt:            completedAt,
	} {
		if src.Valid {
			*dst = src.Time
		}
	}

	return &seg, nil
}

var _ DbQueueProvider = (*db.DbQueue)(nil)
