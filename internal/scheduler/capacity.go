package scheduler

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Action is the scheduling verdict for one job in a pass
type Action string

const (
	ActionSchedule Action = "schedule"
	ActionDefer    Action = "defer"
)

// Job is one dispatch candidate presented to a scheduling pass
type Job struct {
	ID                string
	Priority          Priority
	QualityLevel      string
	EstimatedDuration time.Duration
	BatchID           string
	BatchConcurrency  int
}

// ResourceMetrics is the live resource picture a pass plans against
type ResourceMetrics struct {
	CPUUsagePercent     float64
	MemoryUsagePercent  float64
	CurrentlyProcessing int
	AvgProcessingTime   time.Duration
}

// Decision is the per-job output of a scheduling pass. Decisions are
// ephemeral; each pass re-plans the full pending set from scratch.
type Decision struct {
	JobID          string        `json:"job_id"`
	Action         Action        `json:"action"`
	Priority       Priority      `json:"priority"`
	EstimatedStart time.Duration `json:"estimated_start,omitempty"`
	EstimatedDelay time.Duration `json:"estimated_delay,omitempty"`
	Reason         string        `json:"reason"`
}

// resourceEstimate is the fixed per-quality cost used for headroom checks
type resourceEstimate struct {
	cpu    float64
	memory float64
}

var qualityEstimates = map[string]resourceEstimate{
	"fast":     {cpu: 5, memory: 20},
	"balanced": {cpu: 10, memory: 40},
	"high":     {cpu: 20, memory: 80},
	"premium":  {cpu: 30, memory: 120},
}

func estimateFor(quality string) resourceEstimate {
	if est, ok := qualityEstimates[quality]; ok {
		return est
	}
	return qualityEstimates["balanced"]
}

// Planner partitions a prioritised job list into schedule-now and defer.
// It is a greedy, priority-first, capacity-bounded heuristic: deterministic
// and cheap to recompute every pass, not globally optimal.
type Planner struct {
	thresholds Thresholds
}

// NewPlanner creates a capacity planner
func NewPlanner(thresholds Thresholds) *Planner {
	return &Planner{thresholds: thresholds}
}

// Plan sorts jobs by priority, then shortest estimated duration, then
// arrival order, and walks the list scheduling each job that fits within the
// slot budget, resource headroom and its batch's concurrency cap.
func (p *Planner) Plan(jobs []Job, metrics ResourceMetrics, cfg EffectiveConfig) []Decision {
	ordered := make([]Job, len(jobs))
	copy(ordered, jobs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority.rank() != ordered[j].Priority.rank() {
			return ordered[i].Priority.rank() > ordered[j].Priority.rank()
		}
		return ordered[i].EstimatedDuration < ordered[j].EstimatedDuration
	})

	availableSlots := cfg.ConcurrencyLimit - metrics.CurrentlyProcessing
	if availableSlots < 0 {
		availableSlots = 0
	}

	cpuUsed := metrics.CPUUsagePercent
	memUsed := metrics.MemoryUsagePercent
	scheduled := 0
	deferred := 0
	batchScheduled := make(map[string]int)

	decisions := make([]Decision, 0, len(ordered))
	for _, job := range ordered {
		est := estimateFor(job.QualityLevel)

		reason := ""
		switch {
		case scheduled >= availableSlots:
			reason = "no free slots"
		case job.BatchConcurrency > 0 && batchScheduled[job.BatchID] >= job.BatchConcurrency:
			reason = "batch concurrency cap reached"
		case cpuUsed+est.cpu > p.thresholds.MaxCPUPercent:
			reason = "cpu headroom exhausted"
		case memUsed+est.memory/10 > p.thresholds.MaxMemoryPercent:
			reason = "memory headroom exhausted"
		}

		if reason != "" {
			deferred++
			decisions = append(decisions, Decision{
				JobID:          job.ID,
				Action:         ActionDefer,
				Priority:       job.Priority,
				EstimatedDelay: time.Duration(deferred) * metrics.AvgProcessingTime,
				Reason:         reason,
			})
			continue
		}

		decisions = append(decisions, Decision{
			JobID:          job.ID,
			Action:         ActionSchedule,
			Priority:       job.Priority,
			EstimatedStart: time.Duration(scheduled) * p.thresholds.ScheduleSpacing,
			Reason:         "capacity available",
		})
		cpuUsed += est.cpu
		memUsed += est.memory / 10
		scheduled++
		if job.BatchID != "" {
			batchScheduled[job.BatchID]++
		}
	}

	log.Debug().
		Int("jobs", len(jobs)).
		Int("scheduled", scheduled).
		Int("deferred", deferred).
		Int("available_slots", availableSlots).
		Msg("Scheduling pass planned")

	return decisions
}
