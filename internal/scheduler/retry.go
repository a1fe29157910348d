package scheduler

import (
	"strings"
	"time"
)

// FailureKind buckets a worker error message for retry policy
type FailureKind string

const (
	FailureTimeout            FailureKind = "timeout"
	FailureResourceExhaustion FailureKind = "resource_exhaustion"
	FailureNetwork            FailureKind = "network"
	FailureUnknown            FailureKind = "unknown"
)

// Severity indicates how seriously a failure kind is treated
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Severity returns the severity for the failure kind
func (k FailureKind) Severity() Severity {
	switch k {
	case FailureResourceExhaustion:
		return SeverityHigh
	case FailureNetwork:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// RetryDecision is the policy verdict for one failed job
type RetryDecision struct {
	Kind               FailureKind   `json:"kind"`
	Severity           Severity      `json:"severity"`
	ShouldRetry        bool          `json:"should_retry"`
	Delay              time.Duration `json:"delay"`
	MaxAttempts        int           `json:"max_attempts"`
	SuccessProbability float64       `json:"success_probability"`
}

// Classify buckets an error message by substring. Classification is
// advisory and never fails: unrecognised text falls into the unknown bucket.
// Memory is matched before timeout so "memory allocation timed out" is
// treated as exhaustion, the less retryable kind.
func Classify(errorMessage string) FailureKind {
	msg := strings.ToLower(errorMessage)
	switch {
	case strings.Contains(msg, "memory"):
		return FailureResourceExhaustion
	case strings.Contains(msg, "timeout"):
		return FailureTimeout
	case strings.Contains(msg, "network"):
		return FailureNetwork
	default:
		return FailureUnknown
	}
}

// DecideRetry classifies the error and returns the retry policy for it.
// Resource exhaustion is not retried: the same job against the same limits
// fails the same way.
func DecideRetry(errorMessage string) RetryDecision {
	kind := Classify(errorMessage)
	decision := RetryDecision{Kind: kind, Severity: kind.Severity()}

	switch kind {
	case FailureTimeout:
		decision.ShouldRetry = true
		decision.Delay = 120 * time.Second
		decision.MaxAttempts = 2
		decision.SuccessProbability = 0.8
	case FailureResourceExhaustion:
		decision.ShouldRetry = false
		decision.SuccessProbability = 0.1
	case FailureNetwork:
		decision.ShouldRetry = true
		decision.Delay = 30 * time.Second
		decision.MaxAttempts = 5
		decision.SuccessProbability = 0.9
	default:
		decision.ShouldRetry = true
		decision.Delay = 60 * time.Second
		decision.MaxAttempts = 3
		decision.SuccessProbability = 0.7
	}

	return decision
}
