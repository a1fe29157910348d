package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mediacourse/segment-pipeline/internal/pipeline"
)

// CreateBatchRequest is the body for POST /v1/batches
type CreateBatchRequest struct {
	SegmentIDs   []string `json:"segment_ids"`
	CourseID     string   `json:"course_id"`
	QualityLevel string   `json:"quality_level,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
}

// BatchesHandler handles /v1/batches (create)
func (h *Handler) BatchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.Concurrency == 0 {
		// Absent from the JSON body means no cap was requested
		req.Concurrency = 1
	}

	batch, err := h.Batches.CreateBatch(r.Context(), req.SegmentIDs, req.CourseID, req.QualityLevel, req.Concurrency)
	if err != nil {
		var dup *pipeline.DuplicateSegmentError
		switch {
		case errors.Is(err, pipeline.ErrEmptyBatch):
			BadRequest(w, r, "segment_ids must not be empty")
		case errors.Is(err, pipeline.ErrInvalidConcurrency):
			BadRequest(w, r, err.Error())
		case errors.As(err, &dup):
			Conflict(w, r, dup.Error())
		default:
			DatabaseError(w, r, err)
		}
		return
	}

	WriteCreated(w, r, batch, "Batch created")
}

// BatchHandler routes /v1/batches/:id (get, cancel)
func (h *Handler) BatchHandler(w http.ResponseWriter, r *http.Request) {
	batchID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/batches/"), "/")
	if batchID == "" || strings.Contains(batchID, "/") {
		BadRequest(w, r, "Missing or malformed batch ID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getBatch(w, r, batchID)
	case http.MethodDelete:
		h.cancelBatch(w, r, batchID)
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	batch, err := h.Batches.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRecordNotFound) {
			NotFound(w, r, "Batch not found")
			return
		}
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, batch, "")
}

func (h *Handler) cancelBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	err := h.Batches.Cancel(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRecordNotFound) {
			NotFound(w, r, "Batch not found")
			return
		}
		if strings.Contains(err.Error(), "cannot be cancelled") {
			Conflict(w, r, err.Error())
			return
		}
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"batch_id": batchID,
	}, "Batch cancelled")
}
