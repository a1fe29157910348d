package scheduler

import "time"

// Thresholds centralises every heuristic constant the scheduling components
// use, so they can be tuned and tested without touching logic.
type Thresholds struct {
	// Capacity planning
	MaxCPUPercent    float64       // headroom ceiling for cpu_usage + required
	MaxMemoryPercent float64       // headroom ceiling for memory_usage + required/10
	ScheduleSpacing  time.Duration // estimated start offset between scheduled jobs

	// Priority assignment
	SmallBatchSize   int // batches at or under this size are high priority
	LargeBatchSize   int // batches over this size are low priority
	FastQueueBacklog int // pending count above which fast-quality jobs go low

	// Scaling advisor load tiers
	PendingHigh         int
	PendingCritical     int
	WaitHighSeconds     float64
	WaitCriticalSeconds float64
	FailureRateHigh     float64
	FailureRateCritical float64

	// Load balancing
	WorkerOverloadPercent float64 // per-worker utilisation above this sheds load
	WorkerIdlePercent     float64 // per-worker utilisation below this takes load
	FleetAggressive       float64 // fleet average utilisation for aggressive strategy
	FleetModerate         float64 // fleet average utilisation for moderate strategy
}

// DefaultThresholds returns the standard operating thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxCPUPercent:    90,
		MaxMemoryPercent: 90,
		ScheduleSpacing:  10 * time.Second,

		SmallBatchSize:   5,
		LargeBatchSize:   50,
		FastQueueBacklog: 30,

		PendingHigh:         50,
		PendingCritical:     100,
		WaitHighSeconds:     300,
		WaitCriticalSeconds: 600,
		FailureRateHigh:     10,
		FailureRateCritical: 20,

		WorkerOverloadPercent: 90,
		WorkerIdlePercent:     30,
		FleetAggressive:       80,
		FleetModerate:         60,
	}
}

// EffectiveConfig is the operating configuration a scheduling pass runs
// under. The scaling advisor derives it from live metrics; it is passed
// explicitly into each pass rather than held in shared mutable state.
type EffectiveConfig struct {
	ConcurrencyLimit int `json:"concurrency_limit"`
	TimeoutSeconds   int `json:"timeout_seconds"`
	MemoryLimitMB    int `json:"memory_limit_mb"`
}

// DefaultEffectiveConfig returns the baseline operating configuration
func DefaultEffectiveConfig() EffectiveConfig {
	return EffectiveConfig{
		ConcurrencyLimit: 4,
		TimeoutSeconds:   600,
		MemoryLimitMB:    2048,
	}
}
