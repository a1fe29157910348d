package pipeline

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRecordNotFound is returned when no segment or batch matches the given ID
var ErrRecordNotFound = errors.New("record not found")

// ErrEmptyBatch is returned when a batch is created with no segments
var ErrEmptyBatch = errors.New("batch must contain at least one segment")

// ErrInvalidConcurrency is returned when a batch is created with a
// concurrency cap below one
var ErrInvalidConcurrency = errors.New("batch concurrency must be at least 1")

// DuplicateSegmentError indicates an in-flight record already exists for the
// segment. It is raised from the unique-violation the insert triggers, never
// from a pre-check.
type DuplicateSegmentError struct {
	SegmentID string
}

func (e *DuplicateSegmentError) Error() string {
	return fmt.Sprintf("segment %s already has an in-flight record", e.SegmentID)
}

// InvalidTransitionError indicates an advance that is not the immediate
// successor of the record's current stage.
type InvalidTransitionError struct {
	From Stage
	To   Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// RetryExhaustedError indicates the record has used all of its attempts.
type RetryExhaustedError struct {
	RecordID string
	Attempts int
	Max      int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("segment record %s has exhausted retries (%d of %d)", e.RecordID, e.Attempts, e.Max)
}

const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
