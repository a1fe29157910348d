package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mediacourse/segment-pipeline/internal/pipeline"
	"github.com/mediacourse/segment-pipeline/internal/scheduler"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.2.0"

// Handler holds dependencies for API handlers
type Handler struct {
	DB          *sql.DB
	Segments    *pipeline.Service
	Batches     *pipeline.Orchestrator
	Scheduler   *scheduler.Runner
	Collector   *scheduler.Collector
	Balancer    *scheduler.Balancer
	MetricsPage http.Handler
	startedAt   time.Time
}

// NewHandler creates a new API handler with dependencies. metricsPage may be
// nil, in which case /metrics responds 404.
func NewHandler(database *sql.DB, segments *pipeline.Service, batches *pipeline.Orchestrator, sched *scheduler.Runner, collector *scheduler.Collector, metricsPage http.Handler) *Handler {
	return &Handler{
		DB:          database,
		Segments:    segments,
		Batches:     batches,
		Scheduler:   sched,
		Collector:   collector,
		Balancer:    scheduler.NewBalancer(scheduler.DefaultThresholds()),
		MetricsPage: metricsPage,
		startedAt:   time.Now(),
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	// Batch routes
	mux.HandleFunc("/v1/batches", h.BatchesHandler)
	mux.HandleFunc("/v1/batches/", h.BatchHandler) // For /v1/batches/:id

	// Segment routes; worker callbacks use the action suffix
	mux.HandleFunc("/v1/segments", h.SegmentsHandler)
	mux.HandleFunc("/v1/segments/", h.SegmentHandler) // For /v1/segments/:id[/action]

	// Scheduler routes
	mux.HandleFunc("/v1/scheduler/pass", h.SchedulerPass)
	mux.HandleFunc("/v1/scheduler/rebalance", h.SchedulerRebalance)
	mux.HandleFunc("/v1/scheduler/metrics", h.QueueMetrics)

	// Prometheus scrape endpoint
	if h.MetricsPage != nil {
		mux.Handle("/metrics", h.MetricsPage)
	}
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteJSON(w, r, map[string]interface{}{
		"status":         "healthy",
		"version":        Version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	}, http.StatusOK)
}

// DatabaseHealthCheck verifies database connectivity
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if err := h.DB.PingContext(r.Context()); err != nil {
		log.Error().Err(err).Msg("Database health check failed")
		WriteJSON(w, r, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		}, http.StatusServiceUnavailable)
		return
	}

	WriteJSON(w, r, map[string]interface{}{
		"status": "healthy",
	}, http.StatusOK)
}
