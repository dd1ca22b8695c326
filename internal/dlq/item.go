// Package dlq implements the dead letter queue: a durable holding area for
// operations that exhausted normal recovery, with a background reprocessing
// loop and an escalation policy.
package dlq

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "resilience-core/internal/errors"
)

// Status is the lifecycle state of a DLQ item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusRecovered  Status = "RECOVERED"
	StatusFailed     Status = "FAILED"
	StatusManual     Status = "MANUAL"
	StatusArchived   Status = "ARCHIVED"
)

// Terminal reports whether the status is never mutated by a later pass.
func (s Status) Terminal() bool {
	switch s {
	case StatusRecovered, StatusFailed, StatusManual, StatusArchived:
		return true
	default:
		return false
	}
}

// Priority orders items for reprocessing; higher is processed first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
	PriorityUrgent   Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "UNKNOWN"
	}
}

// RetryPolicy is the per-item reprocessing policy.
type RetryPolicy struct {
	MaxRetries        int           `json:"maxRetries"`
	BaseDelay         time.Duration `json:"baseDelay"`
	MaxDelay          time.Duration `json:"maxDelay"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
	JitterRange       float64       `json:"jitterRange"`
	EscalateAfter     time.Duration `json:"escalateAfter"`
	// RequireManual routes the item to MANUAL instead of FAILED when
	// automated recovery is exhausted.
	RequireManual bool `json:"requireManual"`
}

// NextDelay computes the backoff before retry n (1-based) with the same
// exponential-plus-jitter formula the retry executor uses.
func (p RetryPolicy) NextDelay(failureCount int) time.Duration {
	if failureCount < 1 {
		failureCount = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(failureCount-1))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if p.JitterRange > 0 {
		backoff += backoff * p.JitterRange * (rand.Float64()*2 - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// RecoveryAttempt records one invocation of a recovery handler.
type RecoveryAttempt struct {
	Number    int           `json:"number"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Method    string        `json:"method,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Item is the durable record of a permanently-or-temporarily failed
// operation. All mutations are routed through the Manager; no other
// component writes Item records.
type Item struct {
	ID            string `json:"id"`
	OperationID   string `json:"operationId"`
	OperationType string `json:"operationType"`

	Payload interface{}                 `json:"payload,omitempty"`
	Error   *apperrors.CategorizedError `json:"error"`

	FailureCount int       `json:"failureCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastFailedAt time.Time `json:"lastFailedAt"`
	NextRetryAt  time.Time `json:"nextRetryAt"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	RetryPolicy RetryPolicy `json:"retryPolicy"`

	CorrelationID string `json:"correlationId,omitempty"`
	UserID        string `json:"userId,omitempty"`

	RecoveryAttempts []RecoveryAttempt `json:"recoveryAttempts,omitempty"`

	ManualInterventionRequired bool `json:"manualInterventionRequired"`
	Escalated                  bool `json:"escalated"`
}

// ShouldEscalate reports whether automated recovery should stop: retries
// exhausted, the item aged past its escalation window, or manual
// intervention was required all along.
func (it *Item) ShouldEscalate(now time.Time) bool {
	if it.ManualInterventionRequired {
		return true
	}
	if it.FailureCount >= it.RetryPolicy.MaxRetries {
		return true
	}
	if it.RetryPolicy.EscalateAfter > 0 && now.Sub(it.CreatedAt) >= it.RetryPolicy.EscalateAfter {
		return true
	}
	return false
}

// priorityFor assigns the reprocessing priority from the causing error and
// operation type.
func priorityFor(opType string, err *apperrors.CategorizedError) Priority {
	sev := apperrors.SeverityMedium
	if err != nil {
		sev = err.Severity
	}
	switch {
	case sev == apperrors.SeverityCritical || sev == apperrors.SeverityFatal:
		return PriorityCritical
	case sev == apperrors.SeverityHigh,
		typeContains(opType, "payment"),
		typeContains(opType, "user"),
		typeContains(opType, "notification"):
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// policyFor assigns the per-operation-type retry policy. Payment operations
// get fewer retries and mandatory manual escalation; critical-tagged types
// get faster, more numerous retries.
func policyFor(opType string) RetryPolicy {
	switch {
	case typeContains(opType, "payment"):
		return RetryPolicy{
			MaxRetries:        2,
			BaseDelay:         5 * time.Minute,
			MaxDelay:          30 * time.Minute,
			BackoffMultiplier: 2.0,
			EscalateAfter:     time.Hour,
			RequireManual:     true,
		}
	case typeContains(opType, "critical"):
		return RetryPolicy{
			MaxRetries:        5,
			BaseDelay:         30 * time.Second,
			MaxDelay:          5 * time.Minute,
			BackoffMultiplier: 2.0,
			JitterRange:       0.1,
			EscalateAfter:     6 * time.Hour,
		}
	default:
		return RetryPolicy{
			MaxRetries:        3,
			BaseDelay:         time.Minute,
			MaxDelay:          30 * time.Minute,
			BackoffMultiplier: 2.0,
			JitterRange:       0.1,
			EscalateAfter:     24 * time.Hour,
		}
	}
}

// manualInterventionFor flags categories that automated recovery must never
// touch.
func manualInterventionFor(err *apperrors.CategorizedError) bool {
	if err == nil {
		return false
	}
	if err.Severity == apperrors.SeverityFatal {
		return true
	}
	switch err.Category {
	case apperrors.CategorySecurityViolation, apperrors.CategoryFraudDetection, apperrors.CategoryDataCorruption:
		return true
	default:
		return false
	}
}

func typeContains(opType, fragment string) bool {
	return strings.Contains(strings.ToLower(opType), fragment)
}

func newItemID() string {
	return "dlq_" + uuid.NewString()
}
