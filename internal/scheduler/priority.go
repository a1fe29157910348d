package scheduler

// Priority is a job's scheduling tier
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank orders priorities for sorting; higher schedules first
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// JobContext carries the signals priority assignment looks at
type JobContext struct {
	BatchSize    int
	QualityLevel string
	PendingCount int
}

// Assigner maps a job type plus context to a priority tier
type Assigner struct {
	thresholds Thresholds
}

// NewAssigner creates a priority assigner
func NewAssigner(thresholds Thresholds) *Assigner {
	return &Assigner{thresholds: thresholds}
}

// Assign evaluates the high rules first; low is only considered when no high
// rule matched.
func (a *Assigner) Assign(jobType string, ctx JobContext) Priority {
	if jobType == "single_test" {
		return PriorityHigh
	}
	if ctx.BatchSize > 0 && ctx.BatchSize <= a.thresholds.SmallBatchSize {
		return PriorityHigh
	}
	if ctx.QualityLevel == "premium" {
		return PriorityHigh
	}

	if ctx.BatchSize > a.thresholds.LargeBatchSize {
		return PriorityLow
	}
	if ctx.QualityLevel == "fast" && ctx.PendingCount > a.thresholds.FastQueueBacklog {
		return PriorityLow
	}

	return PriorityNormal
}
