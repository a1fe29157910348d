package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mediacourse/segment-pipeline/internal/observability"
	"github.com/mediacourse/segment-pipeline/internal/scheduler"
)

// SchedulerPass triggers one scheduling pass and returns its decisions.
// Operators use this to force a pass outside the periodic loop.
func (h *Handler) SchedulerPass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	start := time.Now()
	result, err := h.Scheduler.RunPass(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	scheduled := 0
	for _, d := range result.Decisions {
		if d.Action == scheduler.ActionSchedule {
			scheduled++
		}
	}
	observability.RecordSchedulingPass(r.Context(), time.Since(start), scheduled, len(result.Decisions)-scheduled)

	WriteSuccess(w, r, result, "Scheduling pass complete")
}

// RebalanceRequest carries per-worker load reports from the fleet supervisor
type RebalanceRequest struct {
	Workers []scheduler.WorkerLoad `json:"workers"`
}

// SchedulerRebalance evaluates worker load reports and returns shift actions
func (h *Handler) SchedulerRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req RebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}

	plan := h.Balancer.Rebalance(req.Workers)
	WriteSuccess(w, r, plan, "")
}

// QueueMetrics returns the current queue metrics snapshot. ?refresh=true
// bypasses the cached snapshot.
func (h *Handler) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	var err error
	if r.URL.Query().Get("refresh") == "true" {
		_, err = h.Collector.Refresh(r.Context())
	}
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	metrics, err := h.Collector.Snapshot(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, metrics, "")
}
