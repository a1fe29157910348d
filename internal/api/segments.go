package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mediacourse/segment-pipeline/internal/observability"
	"github.com/mediacourse/segment-pipeline/internal/pipeline"
	"github.com/mediacourse/segment-pipeline/internal/scheduler"
)

// CreateSegmentRequest is the body for POST /v1/segments
type CreateSegmentRequest struct {
	SegmentID string `json:"segment_id"`
	CourseID  string `json:"course_id"`
}

// AdvanceRequest is the worker callback body for a stage transition
type AdvanceRequest struct {
	Stage            string `json:"stage"`
	AudioPath        string `json:"audio_path,omitempty"`
	TranscriptPath   string `json:"transcript_path,omitempty"`
	TerminologyCount int    `json:"terminology_count,omitempty"`
}

// FailRequest is the worker callback body for a failed segment
type FailRequest struct {
	ErrorMessage string `json:"error_message"`
}

// ReviewRequest records a human QA verdict on a completed segment
type ReviewRequest struct {
	Outcome  string `json:"outcome"`
	Feedback string `json:"feedback,omitempty"`
	Reviewer string `json:"reviewer"`
}

// SegmentsHandler handles /v1/segments (create single-test records)
func (h *Handler) SegmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req CreateSegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.SegmentID == "" {
		BadRequest(w, r, "segment_id is required")
		return
	}

	seg, err := h.Segments.Create(r.Context(), req.SegmentID, req.CourseID)
	if err != nil {
		var dup *pipeline.DuplicateSegmentError
		if errors.As(err, &dup) {
			Conflict(w, r, dup.Error())
			return
		}
		DatabaseError(w, r, err)
		return
	}

	WriteCreated(w, r, seg, "Segment record created")
}

// SegmentHandler routes /v1/segments/:id and /v1/segments/:id/:action
func (h *Handler) SegmentHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/segments/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		BadRequest(w, r, "Missing segment record ID")
		return
	}
	recordID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			MethodNotAllowed(w, r)
			return
		}
		h.getSegment(w, r, recordID)
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	switch parts[1] {
	case "advance":
		h.advanceSegment(w, r, recordID)
	case "fail":
		h.failSegment(w, r, recordID)
	case "retry":
		h.retrySegment(w, r, recordID)
	case "review":
		h.reviewSegment(w, r, recordID)
	default:
		NotFound(w, r, "Unknown segment action")
	}
}

func (h *Handler) getSegment(w http.ResponseWriter, r *http.Request, recordID string) {
	seg, err := h.Segments.Get(r.Context(), recordID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRecordNotFound) {
			NotFound(w, r, "Segment record not found")
			return
		}
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, seg, "")
}

func (h *Handler) advanceSegment(w http.ResponseWriter, r *http.Request, recordID string) {
	var req AdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}

	stage := pipeline.Stage(req.Stage)
	if !stage.Valid() {
		BadRequest(w, r, "Unknown stage: "+req.Stage)
		return
	}

	artifact := pipeline.Artifact{Count: req.TerminologyCount}
	switch stage {
	case pipeline.StageAudioExtracted:
		artifact.Path = req.AudioPath
	case pipeline.StageTranscribed:
		artifact.Path = req.TranscriptPath
	}

	ctx, span := observability.StartStageSpan(r.Context(), observability.StageTransitionInfo{
		RecordID: recordID,
		Stage:    req.Stage,
	})
	defer span.End()

	err := h.Segments.Advance(ctx, recordID, stage, artifact)
	observability.RecordStageTransition(ctx, req.Stage, err == nil)
	if err != nil {
		h.writeSegmentError(w, r, err)
		return
	}

	// A completed segment that belongs to a batch also bumps its counters
	if stage == pipeline.StageCompleted {
		h.reportBatchCompletion(ctx, recordID, true)
	}

	WriteSuccess(w, r, map[string]interface{}{
		"record_id": recordID,
		"stage":     req.Stage,
		"progress":  stage.Progress(),
	}, "Segment advanced")
}

func (h *Handler) failSegment(w http.ResponseWriter, r *http.Request, recordID string) {
	var req FailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.ErrorMessage == "" {
		BadRequest(w, r, "error_message is required")
		return
	}

	transitioned, err := h.Segments.Fail(r.Context(), recordID, req.ErrorMessage)
	if err != nil {
		h.writeSegmentError(w, r, err)
		return
	}

	// Only a real transition counts against the batch. Workers deliver
	// callbacks at least once; a redelivery against a settled record is a
	// no-op.
	if transitioned {
		h.reportBatchCompletion(r.Context(), recordID, false)
	}

	// Classify the failure so the caller knows whether a retry is worthwhile
	decision := scheduler.DecideRetry(req.ErrorMessage)

	WriteSuccess(w, r, map[string]interface{}{
		"record_id":    recordID,
		"retry_policy": decision,
	}, "Segment marked failed")
}

func (h *Handler) retrySegment(w http.ResponseWriter, r *http.Request, recordID string) {
	if err := h.Segments.Retry(r.Context(), recordID); err != nil {
		var exhausted *pipeline.RetryExhaustedError
		if errors.As(err, &exhausted) {
			Conflict(w, r, exhausted.Error())
			return
		}
		h.writeSegmentError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"record_id": recordID,
	}, "Segment reset for retry")
}

func (h *Handler) reviewSegment(w http.ResponseWriter, r *http.Request, recordID string) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.Reviewer == "" {
		BadRequest(w, r, "reviewer is required")
		return
	}

	outcome := pipeline.ReviewOutcome(req.Outcome)
	if !outcome.Valid() {
		BadRequest(w, r, "Unknown review outcome: "+req.Outcome)
		return
	}

	if err := h.Segments.Review(r.Context(), recordID, outcome, req.Feedback, req.Reviewer); err != nil {
		h.writeSegmentError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"record_id": recordID,
		"outcome":   req.Outcome,
	}, "Review recorded")
}

// reportBatchCompletion forwards a terminal segment to its batch, if any.
// Batch bookkeeping failures never fail the worker callback.
func (h *Handler) reportBatchCompletion(ctx context.Context, recordID string, success bool) {
	seg, err := h.Segments.Get(ctx, recordID)
	if err != nil {
		log.Error().Err(err).Str("record_id", recordID).Msg("Failed to load segment for batch bookkeeping")
		return
	}
	if seg.BatchID == "" {
		return
	}

	if err := h.Batches.RecordCompletion(ctx, seg.BatchID, seg.SegmentID, success); err != nil {
		log.Error().
			Err(err).
			Str("batch_id", seg.BatchID).
			Str("record_id", recordID).
			Msg("Failed to record batch completion")
	}
}

func (h *Handler) writeSegmentError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *pipeline.InvalidTransitionError
	switch {
	case errors.Is(err, pipeline.ErrRecordNotFound):
		NotFound(w, r, "Segment record not found")
	case errors.As(err, &invalid):
		Conflict(w, r, invalid.Error())
	default:
		DatabaseError(w, r, err)
	}
}
