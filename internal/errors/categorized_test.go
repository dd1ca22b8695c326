package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorizedError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	ce := &CategorizedError{
		Code:     "NETWORK",
		Message:  "socket closed",
		Category: CategoryNetwork,
		Severity: SeverityMedium,
		Cause:    cause,
	}

	assert.Equal(t, "[network:NETWORK] socket closed", ce.Error())
	assert.True(t, errors.Is(ce, cause))

	wrapped := fmt.Errorf("outer layer: %w", ce)
	got := AsCategorized(wrapped)
	require.NotNil(t, got)
	assert.Same(t, ce, got)
}

func TestCategorizedError_ContextAndTagsAppendOnly(t *testing.T) {
	ce := &CategorizedError{Category: CategoryStorage, Severity: SeverityHigh}

	ce.WithContext(map[string]interface{}{"table": "dlq"}).
		WithContext(map[string]interface{}{"attempt": 2}).
		WithTags("storage", "dlq").
		WithTags("dlq") // duplicate ignored

	assert.Equal(t, "dlq", ce.Context["table"])
	assert.Equal(t, 2, ce.Context["attempt"])
	assert.Equal(t, []string{"storage", "dlq"}, ce.Tags)
	assert.True(t, ce.HasTag("storage"))
	assert.False(t, ce.HasTag("network"))

	// Taxonomy is untouched by context mutation.
	assert.Equal(t, CategoryStorage, ce.Category)
	assert.Equal(t, SeverityHigh, ce.Severity)
}

func TestCategorizedError_Sanitized(t *testing.T) {
	ce := &CategorizedError{
		Code:       "RATE_LIMIT",
		Message:    "rate limit exceeded",
		Category:   CategoryRateLimit,
		Severity:   SeverityMedium,
		Retryable:  true,
		StatusCode: 429,
		Context:    map[string]interface{}{"internalHost": "db-3.internal"},
	}

	view := ce.Sanitized()
	assert.Equal(t, "RATE_LIMIT", view["code"])
	assert.Equal(t, true, view["retryable"])
	assert.Equal(t, 429, view["status"])
	assert.NotContains(t, view, "internalHost")
	assert.NotContains(t, view, "context")
}

func TestHelpers_RawErrorDefaults(t *testing.T) {
	raw := errors.New("anything")
	assert.False(t, IsRetryable(raw))
	assert.Equal(t, SeverityMedium, SeverityOf(raw))

	ce := &CategorizedError{Retryable: true, Severity: SeverityFatal}
	assert.True(t, IsRetryable(ce))
	assert.Equal(t, SeverityFatal, SeverityOf(ce))
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityFatal.Rank() > SeverityCritical.Rank())
	assert.True(t, SeverityCritical.Rank() > SeverityHigh.Rank())
	assert.True(t, SeverityHigh.Rank() > SeverityMedium.Rank())
	assert.True(t, SeverityMedium.Rank() > SeverityLow.Rank())

	assert.False(t, SeverityMedium.RequiresAlert())
	assert.True(t, SeverityHigh.RequiresAlert())
	assert.False(t, SeverityHigh.RequiresEscalation())
	assert.True(t, SeverityCritical.RequiresEscalation())
	assert.True(t, SeverityFatal.RequiresEscalation())
}
