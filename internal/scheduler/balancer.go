package scheduler

// WorkerLoad is one external worker's reported load against its capacity
type WorkerLoad struct {
	WorkerID string  `json:"worker_id"`
	Load     float64 `json:"load"`
	Capacity float64 `json:"capacity"`
}

// Utilization returns load over capacity as a percentage
func (w WorkerLoad) Utilization() float64 {
	if w.Capacity <= 0 {
		return 0
	}
	return w.Load / w.Capacity * 100
}

// RebalanceAction tells the caller to shift load for one worker
type RebalanceAction struct {
	WorkerID    string  `json:"worker_id"`
	Action      string  `json:"action"` // reduce_load or increase_load
	Utilization float64 `json:"utilization"`
}

// RebalancePlan is the fleet-wide rebalancing output of one evaluation
type RebalancePlan struct {
	Strategy       string            `json:"strategy"` // aggressive, moderate or minimal
	AvgUtilization float64           `json:"avg_utilization"`
	Actions        []RebalanceAction `json:"actions"`
}

// Balancer emits rebalancing actions from per-worker load reports
type Balancer struct {
	thresholds Thresholds
}

// NewBalancer creates a load balancer
func NewBalancer(thresholds Thresholds) *Balancer {
	return &Balancer{thresholds: thresholds}
}

// Rebalance flags overloaded workers to shed load and idle workers to take
// more. A lone idle worker is left alone since there is nowhere to pull
// load from.
func (b *Balancer) Rebalance(workers []WorkerLoad) RebalancePlan {
	plan := RebalancePlan{Strategy: "minimal"}
	if len(workers) == 0 {
		return plan
	}

	var total float64
	for _, w := range workers {
		util := w.Utilization()
		total += util

		switch {
		case util > b.thresholds.WorkerOverloadPercent:
			plan.Actions = append(plan.Actions, RebalanceAction{
				WorkerID:    w.WorkerID,
				Action:      "reduce_load",
				Utilization: util,
			})
		case util < b.thresholds.WorkerIdlePercent && len(workers) > 1:
			plan.Actions = append(plan.Actions, RebalanceAction{
				WorkerID:    w.WorkerID,
				Action:      "increase_load",
				Utilization: util,
			})
		}
	}

	plan.AvgUtilization = total / float64(len(workers))
	switch {
	case plan.AvgUtilization > b.thresholds.FleetAggressive:
		plan.Strategy = "aggressive"
	case plan.AvgUtilization > b.thresholds.FleetModerate:
		plan.Strategy = "moderate"
	}

	return plan
}
