package resilience

import (
	"strings"
	"time"
)

// Pre-baked retry policies per operation domain. Payment retries carry no
// jitter and no breaker: deterministic timing matters for payment
// idempotency windows.

// NetworkPolicy covers generic network calls.
func NetworkPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterRange:       0.1,
		AttemptTimeout:    15 * time.Second,
		UseCircuitBreaker: true,
	}
}

// DatabasePolicy covers storage writes. No breaker: the store has its own
// guard at the persistence layer.
func DatabasePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       2,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterRange:       0.1,
		AttemptTimeout:    10 * time.Second,
	}
}

// ExternalAPIPolicy covers third-party API calls.
func ExternalAPIPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
		JitterRange:       0.2,
		AttemptTimeout:    30 * time.Second,
		UseCircuitBreaker: true,
	}
}

// PaymentPolicy covers payment gateway calls.
func PaymentPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       2,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		AttemptTimeout:    20 * time.Second,
		NonRetryableCodes: []string{"payment declined", "insufficient funds", "fraud"},
	}
}

// AIInferencePolicy covers model inference calls, which legitimately run
// long before failing.
func AIInferencePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          20 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterRange:       0.15,
		AttemptTimeout:    2 * time.Minute,
		UseCircuitBreaker: true,
	}
}

// PolicyFor selects a pre-baked policy by operation type, defaulting to the
// network policy.
func PolicyFor(operationType string) RetryPolicy {
	switch {
	case contains(operationType, "payment"):
		return PaymentPolicy()
	case contains(operationType, "ai"), contains(operationType, "inference"):
		return AIInferencePolicy()
	case contains(operationType, "database"), contains(operationType, "storage"), contains(operationType, "db"):
		return DatabasePolicy()
	case contains(operationType, "external"), contains(operationType, "api"):
		return ExternalAPIPolicy()
	default:
		return NetworkPolicy()
	}
}

func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
