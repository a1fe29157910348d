package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// DefaultStaleThreshold is how old a processing record's started_at must be
// before it is considered abandoned. Size this to the slowest legitimate
// stage: staleness is judged on started_at age alone, with no heartbeat.
const DefaultStaleThreshold = 2 * time.Hour

// StaleRecord is a processing record whose worker has gone silent
type StaleRecord struct {
	Table     string        `json:"table"`
	ID        string        `json:"id"`
	SegmentID string        `json:"segment_id"`
	CourseID  string        `json:"course_id"`
	BatchID   string        `json:"batch_id,omitempty"`
	Status    string        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Age       time.Duration `json:"age"`
}

// ReapResult reports what a sweep found or removed
type ReapResult struct {
	Count   int           `json:"count"`
	DryRun  bool          `json:"dry_run"`
	Records []StaleRecord `json:"records"`
	RunAt   time.Time     `json:"run_at"`
}

// Reaper removes processing records abandoned by dead workers. Removal is
// deliberate: callers resubmit explicitly, and the deletion log is the audit
// trail. Nothing outside processing statuses is ever touched.
type Reaper struct {
	db      *sql.DB
	dbQueue DbQueueProvider
}

// NewReaper creates a reaper over the segment record store
func NewReaper(database *sql.DB, dbQueue DbQueueProvider) *Reaper {
	return &Reaper{db: database, dbQueue: dbQueue}
}

// staleQueries selects processing records older than the cutoff from each
// segment table. For pipeline segments every in-flight stage past ready
// counts as processing.
var staleQueries = map[string]string{
	"segments": `
		SELECT id, segment_id, course_id, batch_id, status, started_at
		FROM segments
		WHERE status NOT IN ('ready', 'completed', 'failed')
		AND started_at IS NOT NULL
		AND started_at < $1
		ORDER BY started_at ASC`,
	"download_segments": `
		SELECT id, segment_id, course_id, NULL, status, started_at
		FROM download_segments
		WHERE status = 'processing'
		AND started_at IS NOT NULL
		AND started_at < $1
		ORDER BY started_at ASC`,
}

// FindStale returns processing records whose started_at predates
// now − threshold. It is a pure read.
func (r *Reaper) FindStale(ctx context.Context, threshold time.Duration) ([]StaleRecord, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var stale []StaleRecord
	for _, table := range []string{"segments", "download_segments"} {
		rows, err := r.db.QueryContext(ctx, staleQueries[table], cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to query stale %s: %w", table, err)
		}

		for rows.Next() {
			rec := StaleRecord{Table: table}
			var batchID sql.NullString
			if err := rows.Scan(&rec.ID, &rec.SegmentID, &rec.CourseID, &batchID, &rec.Status, &rec.StartedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan stale record: %w", err)
			}
			rec.BatchID = batchID.String
			rec.Age = now.Sub(rec.StartedAt)
			stale = append(stale, rec)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return stale, nil
}

// Reap finds stale processing records and, unless dryRun is set, deletes
// them. The deletion count and threshold are logged for the audit trail.
func (r *Reaper) Reap(ctx context.Context, threshold time.Duration, dryRun bool) (*ReapResult, error) {
	span := sentry.StartSpan(ctx, "pipeline.reap_stale_records")
	defer span.Finish()

	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	span.SetTag("threshold", threshold.String())
	span.SetTag("dry_run", fmt.Sprintf("%t", dryRun))

	records, err := r.FindStale(ctx, threshold)
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		sentry.CaptureException(err)
		return nil, err
	}

	result := &ReapResult{
		Count:   len(records),
		DryRun:  dryRun,
		Records: records,
		RunAt:   time.Now().UTC(),
	}

	if dryRun || len(records) == 0 {
		log.Info().
			Int("stale_count", len(records)).
			Float64("hours_threshold", threshold.Hours()).
			Bool("dry_run", dryRun).
			Msg("Stale record sweep")
		return result, nil
	}

	byTable := map[string][]string{}
	for _, rec := range records {
		byTable[rec.Table] = append(byTable[rec.Table], rec.ID)
	}

	err = r.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		for table, ids := range byTable {
			for _, id := range ids {
				// Re-check the status inside the transaction so a record
				// that advanced between the read and the delete survives.
				query := fmt.Sprintf(`
					DELETE FROM %s
					WHERE id = $1
					AND status NOT IN ('ready', 'completed', 'failed')
				`, table)
				if _, err := tx.ExecContext(ctx, query, id); err != nil {
					return fmt.Errorf("failed to delete stale record %s: %w", id, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		sentry.CaptureException(err)
		return nil, err
	}

	log.Info().
		Int("deleted_count", result.Count).
		Float64("hours_threshold", threshold.Hours()).
		Time("run_at", result.RunAt).
		Msg("Reaped stale processing records")

	// Deleting a batch member leaves its batch short of total_segments, so
	// that batch can never finalise on its own. Name the batches so operators
	// can resubmit or cancel them.
	affected := map[string]struct{}{}
	for _, rec := range records {
		if rec.BatchID != "" {
			affected[rec.BatchID] = struct{}{}
		}
	}
	if len(affected) > 0 {
		ids := make([]string, 0, len(affected))
		for id := range affected {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		log.Warn().
			Strs("batch_ids", ids).
			Msg("Reaped segments belonged to batches that can no longer finalise")
	}

	return result, nil
}
