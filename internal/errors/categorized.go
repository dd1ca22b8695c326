package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CategorizedError is the canonical failure representation flowing through
// every resilience component. Its taxonomy fields (category, severity, code)
// are immutable once created; only Context and Tags may be appended as the
// error passes through layers.
type CategorizedError struct {
	// Identity
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// Taxonomy (immutable after creation)
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	// Temporal and caller context
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	UserID        string                 `json:"userId,omitempty"`
	SessionID     string                 `json:"sessionId,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Tags          []string               `json:"tags,omitempty"`

	// Recovery metadata
	Retryable  bool             `json:"retryable"`
	Strategy   RecoveryStrategy `json:"recoveryStrategy"`
	MaxRetries int              `json:"maxRetries,omitempty"`
	RetryDelay time.Duration    `json:"retryDelay,omitempty"`

	// Operational flags
	StatusCode         int  `json:"statusCode"`
	IsOperational      bool `json:"isOperational"`
	RequiresAlert      bool `json:"requiresAlert"`
	RequiresEscalation bool `json:"requiresEscalation"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// WithContext appends key/value pairs to the error's context map and returns
// the error for chaining. Taxonomy fields are never touched.
func (e *CategorizedError) WithContext(kv map[string]interface{}) *CategorizedError {
	if e.Context == nil {
		e.Context = make(map[string]interface{}, len(kv))
	}
	for k, v := range kv {
		e.Context[k] = v
	}
	return e
}

// WithTags appends tags, skipping duplicates.
func (e *CategorizedError) WithTags(tags ...string) *CategorizedError {
	for _, tag := range tags {
		if !e.HasTag(tag) {
			e.Tags = append(e.Tags, tag)
		}
	}
	return e
}

// HasTag reports whether the error carries the given tag.
func (e *CategorizedError) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Sanitized returns the caller-facing view of the error: stable code,
// human-readable message and retryable flag, never internals.
func (e *CategorizedError) Sanitized() map[string]interface{} {
	return map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
		"status":    e.StatusCode,
	}
}

// AsCategorized extracts a *CategorizedError from err's chain, or nil.
func AsCategorized(err error) *CategorizedError {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// IsRetryable reports the retryable flag of a categorized error, defaulting
// to false for raw errors.
func IsRetryable(err error) bool {
	if ce := AsCategorized(err); ce != nil {
		return ce.Retryable
	}
	return false
}

// SeverityOf returns the severity of a categorized error, defaulting to
// MEDIUM for raw errors.
func SeverityOf(err error) ErrorSeverity {
	if ce := AsCategorized(err); ce != nil {
		return ce.Severity
	}
	return SeverityMedium
}

// NewID generates a unique error id. Exposed so components that construct
// categorized errors directly (breaker rejections, attempt timeouts) share
// the same identity scheme.
func NewID() string {
	return "err_" + uuid.NewString()
}

func newErrorID() string { return NewID() }
