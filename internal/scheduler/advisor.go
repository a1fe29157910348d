package scheduler

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mediacourse/segment-pipeline/internal/db"
)

// LoadStatus summarises queue pressure for operators
type LoadStatus string

const (
	LoadNormal   LoadStatus = "normal"
	LoadHigh     LoadStatus = "high"
	LoadCritical LoadStatus = "critical"
)

func (s LoadStatus) worseThan(other LoadStatus) bool {
	order := map[LoadStatus]int{LoadNormal: 0, LoadHigh: 1, LoadCritical: 2}
	return order[s] > order[other]
}

// Advice is the advisor's output: a load verdict, operator-readable
// recommendations, and the configuration the next scheduling passes should
// run under. It is advisory only; nothing is throttled here.
type Advice struct {
	Status          LoadStatus       `json:"status"`
	Recommendations []string         `json:"recommendations"`
	Config          EffectiveConfig  `json:"config"`
	Metrics         *db.QueueMetrics `json:"metrics"`
}

// Advisor compares live queue metrics against fixed load tiers and derives
// an adjusted operating configuration.
type Advisor struct {
	thresholds Thresholds
	base       EffectiveConfig
}

// NewAdvisor creates a scaling advisor around a baseline configuration
func NewAdvisor(thresholds Thresholds, base EffectiveConfig) *Advisor {
	return &Advisor{thresholds: thresholds, base: base}
}

// Evaluate produces scaling advice from a metrics snapshot
func (a *Advisor) Evaluate(m *db.QueueMetrics) Advice {
	advice := Advice{Status: LoadNormal, Config: a.base, Metrics: m}

	raise := func(status LoadStatus, recommendation string) {
		if status.worseThan(advice.Status) {
			advice.Status = status
		}
		advice.Recommendations = append(advice.Recommendations, recommendation)
	}

	switch {
	case m.PendingCount > a.thresholds.PendingCritical:
		raise(LoadCritical, fmt.Sprintf("pending backlog critical (%d segments); double concurrency", m.PendingCount))
	case m.PendingCount > a.thresholds.PendingHigh:
		raise(LoadHigh, fmt.Sprintf("pending backlog high (%d segments); raise concurrency", m.PendingCount))
	}

	switch {
	case m.AvgWaitSeconds > a.thresholds.WaitCriticalSeconds:
		raise(LoadCritical, fmt.Sprintf("average wait critical (%.0fs); add worker capacity", m.AvgWaitSeconds))
	case m.AvgWaitSeconds > a.thresholds.WaitHighSeconds:
		raise(LoadHigh, fmt.Sprintf("average wait high (%.0fs); consider more workers", m.AvgWaitSeconds))
	}

	switch {
	case m.FailureRatePercent > a.thresholds.FailureRateCritical:
		raise(LoadCritical, fmt.Sprintf("failure rate critical (%.1f%%); raise timeouts and memory before scaling out", m.FailureRatePercent))
	case m.FailureRatePercent > a.thresholds.FailureRateHigh:
		raise(LoadHigh, fmt.Sprintf("failure rate high (%.1f%%); inspect recent worker errors", m.FailureRatePercent))
	}

	switch advice.Status {
	case LoadCritical:
		advice.Config.ConcurrencyLimit = a.base.ConcurrencyLimit * 2
		advice.Config.TimeoutSeconds = a.base.TimeoutSeconds * 2
		advice.Config.MemoryLimitMB = a.base.MemoryLimitMB * 2
	case LoadHigh:
		advice.Config.ConcurrencyLimit = a.base.ConcurrencyLimit + a.base.ConcurrencyLimit/2
		advice.Config.TimeoutSeconds = a.base.TimeoutSeconds + a.base.TimeoutSeconds/2
		advice.Config.MemoryLimitMB = a.base.MemoryLimitMB + a.base.MemoryLimitMB/2
	}

	// Failure-driven load wants bigger limits per job, not more jobs in
	// flight at once.
	if m.FailureRatePercent > a.thresholds.FailureRateCritical {
		advice.Config.ConcurrencyLimit = a.base.ConcurrencyLimit
	}

	log.Debug().
		Str("status", string(advice.Status)).
		Int("pending", m.PendingCount).
		Float64("avg_wait_seconds", m.AvgWaitSeconds).
		Float64("failure_rate_percent", m.FailureRatePercent).
		Int("concurrency_limit", advice.Config.ConcurrencyLimit).
		Msg("Scaling advice evaluated")

	return advice
}
