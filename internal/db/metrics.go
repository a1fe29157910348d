package db

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/sync/errgroup"
)

// QueueMetrics is a point-in-time view of the segment queue, recomputed on
// demand from the segments table.
type QueueMetrics struct {
	PendingCount         int       `json:"pending_count"`
	ProcessingCount      int       `json:"processing_count"`
	FailedLast24h        int       `json:"failed_last_24h"`
	CompletedLastHour    int       `json:"completed_last_hour"`
	AvgWaitSeconds       float64   `json:"avg_wait_seconds"`
	AvgProcessingSeconds float64   `json:"avg_processing_seconds"`
	ThroughputPerHour    int       `json:"throughput_per_hour"`
	FailureRatePercent   float64   `json:"failure_rate_percent"`
	CollectedAt          time.Time `json:"collected_at"`
}

// CollectQueueMetrics reads the current queue counts and timings. The count
// queries are independent and run concurrently on the pool.
func (d *DB) CollectQueueMetrics(ctx context.Context) (*QueueMetrics, error) {
	m := &QueueMetrics{CollectedAt: time.Now().UTC()}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.client.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM segments WHERE status = 'ready'
		`).Scan(&m.PendingCount)
	})

	g.Go(func() error {
		return d.client.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM segments
			WHERE status NOT IN ('ready', 'completed', 'failed')
		`).Scan(&m.ProcessingCount)
	})

	g.Go(func() error {
		return d.client.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM segments
			WHERE status = 'failed' AND updated_at > NOW() - INTERVAL '24 hours'
		`).Scan(&m.FailedLast24h)
	})

	g.Go(func() error {
		return d.client.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM segments
			WHERE status = 'completed' AND completed_at > NOW() - INTERVAL '1 hour'
		`).Scan(&m.CompletedLastHour)
	})

	g.Go(func() error {
		var avgWait sql.NullFloat64
		err := d.client.QueryRowContext(ctx, `
			SELECT AVG(EXTRACT(EPOCH FROM (started_at - created_at)))
			FROM segments
			WHERE started_at IS NOT NULL
			AND created_at > NOW() - INTERVAL '24 hours'
		`).Scan(&avgWait)
		if err != nil {
			return err
		}
		if avgWait.Valid {
			m.AvgWaitSeconds = avgWait.Float64
		}
		return nil
	})

	g.Go(func() error {
		var avgProc sql.NullFloat64
		err := d.client.QueryRowContext(ctx, `
			SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
			FROM segments
			WHERE status = 'completed'
			AND completed_at > NOW() - INTERVAL '24 hours'
		`).Scan(&avgProc)
		if err != nil {
			return err
		}
		if avgProc.Valid {
			m.AvgProcessingSeconds = avgProc.Float64
		}
		return nil
	})

	var completed24h int
	g.Go(func() error {
		return d.client.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM segments
			WHERE status = 'completed' AND completed_at > NOW() - INTERVAL '24 hours'
		`).Scan(&completed24h)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.ThroughputPerHour = m.CompletedLastHour
	if total := completed24h + m.FailedLast24h; total > 0 {
		m.FailureRatePercent = float64(m.FailedLast24h) / float64(total) * 100
	}

	return m, nil
}
