// Package errors provides the categorized error model shared by every
// resilience component: a stable taxonomy (category x severity), recovery
// metadata, and a rule-driven classifier that shapes raw failures exactly
// once at the boundary where they are first caught.
package errors

// ErrorCategory identifies the failure domain of an error.
type ErrorCategory string

const (
	CategorySystemFailure      ErrorCategory = "system_failure"
	CategoryInfrastructure     ErrorCategory = "infrastructure"
	CategoryConfiguration      ErrorCategory = "configuration"
	CategoryValidation         ErrorCategory = "validation"
	CategoryBusinessLogic      ErrorCategory = "business_logic"
	CategoryAuthentication     ErrorCategory = "authentication"
	CategoryAuthorization      ErrorCategory = "authorization"
	CategoryExternalService    ErrorCategory = "external_service"
	CategoryNetwork            ErrorCategory = "network"
	CategoryTimeout            ErrorCategory = "timeout"
	CategoryRateLimit          ErrorCategory = "rate_limit"
	CategoryDataCorruption     ErrorCategory = "data_corruption"
	CategoryDataInconsistency  ErrorCategory = "data_inconsistency"
	CategoryStorage            ErrorCategory = "storage"
	CategoryResourceExhaustion ErrorCategory = "resource_exhaustion"
	CategorySecurityViolation  ErrorCategory = "security_violation"
	CategoryFraudDetection     ErrorCategory = "fraud_detection"
	CategoryUserInput          ErrorCategory = "user_input"
	CategoryPermission         ErrorCategory = "permission"
)

// HTTPStatus maps a category to an HTTP-adjacent status code. Layers that
// expose this core over an API use it to build sanitized payloads.
func (c ErrorCategory) HTTPStatus() int {
	switch c {
	case CategoryValidation, CategoryUserInput:
		return 400
	case CategoryAuthentication:
		return 401
	case CategoryAuthorization, CategoryPermission:
		return 403
	case CategoryRateLimit:
		return 429
	case CategoryNetwork, CategoryExternalService:
		return 502
	case CategoryTimeout:
		return 504
	default:
		return 500
	}
}

// ErrorSeverity defines the operational impact of an error.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
	SeverityFatal    ErrorSeverity = "FATAL"
)

// Rank returns an integer ordering for severity comparisons (LOW=1 .. FATAL=5).
func (s ErrorSeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	case SeverityFatal:
		return 5
	default:
		return 0
	}
}

// RequiresAlert reports whether failures at this severity must reach the
// alert sink.
func (s ErrorSeverity) RequiresAlert() bool {
	return s.Rank() >= SeverityHigh.Rank()
}

// RequiresEscalation reports whether failures at this severity must be
// escalated beyond automated recovery.
func (s ErrorSeverity) RequiresEscalation() bool {
	return s.Rank() >= SeverityCritical.Rank()
}

// RecoveryStrategy suggests how downstream components should attempt recovery.
type RecoveryStrategy string

const (
	StrategyRetry          RecoveryStrategy = "retry"
	StrategyCircuitBreaker RecoveryStrategy = "circuit_breaker"
	StrategyFallback       RecoveryStrategy = "fallback"
	StrategyManual         RecoveryStrategy = "manual_intervention"
	StrategyDeadLetter     RecoveryStrategy = "dead_letter"
	StrategyNone           RecoveryStrategy = "none"
)
