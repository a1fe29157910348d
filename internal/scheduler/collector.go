package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediacourse/segment-pipeline/internal/cache"
	"github.com/mediacourse/segment-pipeline/internal/db"
)

// DefaultSnapshotTTL is how long a queue metrics snapshot is reused across
// callers before being recomputed.
const DefaultSnapshotTTL = 30 * time.Minute

const snapshotCacheKey = "queue_metrics_snapshot"

// MetricsSource produces point-in-time queue metrics from the record store
type MetricsSource interface {
	CollectQueueMetrics(ctx context.Context) (*db.QueueMetrics, error)
}

// Collector reads queue metrics and caches the snapshot for a short window.
// The cache is injected so callers share one snapshot without the collector
// owning process-wide state.
type Collector struct {
	source MetricsSource
	cache  *cache.InMemoryCache
	ttl    time.Duration
}

// NewCollector creates a metrics collector. A zero ttl selects
// DefaultSnapshotTTL.
func NewCollector(source MetricsSource, c *cache.InMemoryCache, ttl time.Duration) *Collector {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Collector{source: source, cache: c, ttl: ttl}
}

// Snapshot returns the cached metrics when fresh, otherwise recomputes and
// caches a new snapshot.
func (c *Collector) Snapshot(ctx context.Context) (*db.QueueMetrics, error) {
	if cached, found := c.cache.Get(snapshotCacheKey); found {
		if m, ok := cached.(*db.QueueMetrics); ok {
			return m, nil
		}
	}
	return c.Refresh(ctx)
}

// Refresh recomputes the snapshot unconditionally and caches it
func (c *Collector) Refresh(ctx context.Context) (*db.QueueMetrics, error) {
	m, err := c.source.CollectQueueMetrics(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(snapshotCacheKey, m, c.ttl)

	log.Debug().
		Int("pending", m.PendingCount).
		Int("processing", m.ProcessingCount).
		Int("failed_24h", m.FailedLast24h).
		Float64("failure_rate_percent", m.FailureRatePercent).
		Msg("Queue metrics snapshot refreshed")

	return m, nil
}

var _ MetricsSource = (*db.DB)(nil)
