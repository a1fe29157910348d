package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// durationEstimates maps quality tiers to expected processing time, used for
// shortest-first tie-breaking and defer delay estimates.
var durationEstimates = map[string]time.Duration{
	"fast":     60 * time.Second,
	"balanced": 180 * time.Second,
	"high":     420 * time.Second,
	"premium":  600 * time.Second,
}

func durationFor(quality string) time.Duration {
	if d, ok := durationEstimates[quality]; ok {
		return d
	}
	return durationEstimates["balanced"]
}

// ResourceSampler reports current host resource usage for capacity planning.
// Implementations are caller-supplied; the runner never measures anything
// itself.
type ResourceSampler func(ctx context.Context) (cpuPercent, memoryPercent float64)

// Runner executes one cooperative scheduling pass: load the pending set,
// assign priorities, evaluate scaling advice, and plan schedule/defer
// decisions. The caller dispatches the scheduled jobs; the runner never
// talks to the broker.
type Runner struct {
	db        *sql.DB
	collector *Collector
	assigner  *Assigner
	planner   *Planner
	advisor   *Advisor
	sample    ResourceSampler
}

// NewRunner wires a pass runner. sample may be nil, in which case resource
// usage is assumed idle.
func NewRunner(database *sql.DB, collector *Collector, assigner *Assigner, planner *Planner, advisor *Advisor, sample ResourceSampler) *Runner {
	if sample == nil {
		sample = func(context.Context) (float64, float64) { return 0, 0 }
	}
	return &Runner{
		db:        database,
		collector: collector,
		assigner:  assigner,
		planner:   planner,
		advisor:   advisor,
		sample:    sample,
	}
}

// PassResult carries everything one pass produced
type PassResult struct {
	Decisions []Decision      `json:"decisions"`
	Advice    Advice          `json:"advice"`
	Config    EffectiveConfig `json:"config"`
}

// RunPass plans one scheduling pass over every ready segment. The full
// pending set is re-sorted each pass, so a deferred job competes on equal
// terms with newly arrived work.
func (r *Runner) RunPass(ctx context.Context) (*PassResult, error) {
	span := sentry.StartSpan(ctx, "scheduler.run_pass")
	defer span.Finish()

	jobs, err := r.loadPendingJobs(ctx)
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to load pending jobs: %w", err)
	}

	metrics, err := r.collector.Snapshot(ctx)
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to collect queue metrics: %w", err)
	}

	advice := r.advisor.Evaluate(metrics)

	cpu, mem := r.sample(ctx)
	resources := ResourceMetrics{
		CPUUsagePercent:     cpu,
		MemoryUsagePercent:  mem,
		CurrentlyProcessing: metrics.ProcessingCount,
		AvgProcessingTime:   time.Duration(metrics.AvgProcessingSeconds * float64(time.Second)),
	}

	decisions := r.planner.Plan(jobs, resources, advice.Config)

	scheduled := 0
	for _, d := range decisions {
		if d.Action == ActionSchedule {
			scheduled++
		}
	}
	log.Info().
		Int("pending", len(jobs)).
		Int("scheduled", scheduled).
		Int("deferred", len(jobs)-scheduled).
		Str("load_status", string(advice.Status)).
		Msg("Scheduling pass complete")

	return &PassResult{Decisions: decisions, Advice: advice, Config: advice.Config}, nil
}

// loadPendingJobs reads every ready segment, skipping those whose batch has
// already been cancelled, and assigns each a priority tier.
func (r *Runner) loadPendingJobs(ctx context.Context) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.quality_level, s.batch_id, b.concurrency, b.total_segments
		FROM segments s
		LEFT JOIN batches b ON s.batch_id = b.id
		WHERE s.status = 'ready'
		AND (s.batch_id IS NULL OR b.status IN ('pending', 'processing'))
		ORDER BY s.created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pendingCount int
	type pendingRow struct {
		id        string
		quality   string
		batchID   sql.NullString
		batchConc sql.NullInt64
		batchSize sql.NullInt64
	}
	var pending []pendingRow

	for rows.Next() {
		var row pendingRow
		if err := rows.Scan(&row.id, &row.quality, &row.batchID, &row.batchConc, &row.batchSize); err != nil {
			return nil, err
		}
		pending = append(pending, row)
		pendingCount++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(pending))
	for _, row := range pending {
		jobType := "batch"
		if !row.batchID.Valid {
			jobType = "single_test"
		}
		priority := r.assigner.Assign(jobType, JobContext{
			BatchSize:    int(row.batchSize.Int64),
			QualityLevel: row.quality,
			PendingCount: pendingCount,
		})
		jobs = append(jobs, Job{
			ID:                row.id,
			Priority:          priority,
			QualityLevel:      row.quality,
			EstimatedDuration: durationFor(row.quality),
			BatchID:           row.batchID.String,
			BatchConcurrency:  int(row.batchConc.Int64),
		})
	}

	return jobs, nil
}
