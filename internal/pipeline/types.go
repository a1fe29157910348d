package pipeline

import (
	"time"
)

// Stage represents a segment's position in the processing pipeline
type Stage string

const (
	StageReady                 Stage = "ready"
	StageProcessing            Stage = "processing"
	StageAudioExtracted        Stage = "audio_extracted"
	StageTranscribing          Stage = "transcribing"
	StageTranscribed           Stage = "transcribed"
	StageProcessingTerminology Stage = "processing_terminology"
	StageCompleted             Stage = "completed"
	StageFailed                Stage = "failed"
)

// stageOrder lists the forward path through the pipeline. Any stage may
// transition to failed; failed resets to ready via Retry.
var stageOrder = []Stage{
	StageReady,
	StageProcessing,
	StageAudioExtracted,
	StageTranscribing,
	StageTranscribed,
	StageProcessingTerminology,
	StageCompleted,
}

// stageProgress is the fixed progress mapping reported to callers
var stageProgress = map[Stage]float64{
	StageReady:                 0,
	StageProcessing:            15,
	StageAudioExtracted:        33,
	StageTranscribing:          50,
	StageTranscribed:           66,
	StageProcessingTerminology: 85,
	StageCompleted:             100,
}

// Next returns the immediate successor stage, or false when s is terminal
// or unknown.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// Terminal reports whether the stage is an end state.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Progress returns the progress percentage for the stage.
func (s Stage) Progress() float64 {
	return stageProgress[s]
}

// Valid reports whether s is a known pipeline stage.
func (s Stage) Valid() bool {
	if s == StageFailed {
		return true
	}
	for _, stage := range stageOrder {
		if stage == s {
			return true
		}
	}
	return false
}

// ReviewOutcome is the human QA verdict attached to a segment. It never
// alters pipeline status.
type ReviewOutcome string

const (
	ReviewApproved      ReviewOutcome = "approved"
	ReviewNeedsRevision ReviewOutcome = "needs_revision"
	ReviewRejected      ReviewOutcome = "rejected"
)

// Valid reports whether the outcome is a known verdict.
func (r ReviewOutcome) Valid() bool {
	switch r {
	case ReviewApproved, ReviewNeedsRevision, ReviewRejected:
		return true
	}
	return false
}

// BatchStatus represents the aggregate status of a batch
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// DefaultMaxAttempts bounds retries per segment unless configured otherwise
const DefaultMaxAttempts = 3

// Artifact is the reference a worker reports when a stage completes
type Artifact struct {
	Path  string `json:"path,omitempty"`
	Count int    `json:"count,omitempty"`
}

// Segment is one media segment's journey through the pipeline
type Segment struct {
	ID        string `json:"id"`
	SegmentID string `json:"segment_id"`
	CourseID  string `json:"course_id"`
	BatchID   string `json:"batch_id,omitempty"`

	Status       Stage   `json:"status"`
	Progress     float64 `json:"progress"`
	Priority     string  `json:"priority"`
	QualityLevel string  `json:"quality_level"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Attempts     int     `json:"attempts"`

	AudioStartedAt         time.Time `json:"audio_started_at,omitempty"`
	AudioCompletedAt       time.Time `json:"audio_completed_at,omitempty"`
	AudioPath              string    `json:"audio_path,omitempty"`
	TranscriptStartedAt    time.Time `json:"transcript_started_at,omitempty"`
	TranscriptCompletedAt  time.Time `json:"transcript_completed_at,omitempty"`
	TranscriptPath         string    `json:"transcript_path,omitempty"`
	TerminologyStartedAt   time.Time `json:"terminology_started_at,omitempty"`
	TerminologyCompletedAt time.Time `json:"terminology_completed_at,omitempty"`
	TerminologyCount       int       `json:"terminology_count,omitempty"`

	ReviewStatus   string    `json:"review_status,omitempty"`
	ReviewFeedback string    `json:"review_feedback,omitempty"`
	ReviewedBy     string    `json:"reviewed_by,omitempty"`
	ReviewedAt     time.Time `json:"reviewed_at,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Batch groups segments submitted together under one concurrency cap
type Batch struct {
	ID                string      `json:"id"`
	Status            BatchStatus `json:"status"`
	QualityLevel      string      `json:"quality_level"`
	Concurrency       int         `json:"concurrency"`
	TotalSegments     int         `json:"total_segments"`
	CompletedSegments int         `json:"completed_segments"`
	FailedSegments    int         `json:"failed_segments"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	StartedAt         time.Time   `json:"started_at,omitempty"`
	CompletedAt       time.Time   `json:"completed_at,omitempty"`
	ActualDuration    float64     `json:"actual_duration_seconds,omitempty"`
}
