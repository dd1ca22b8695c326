package resilience

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "resilience-core/internal/errors"
)

// ============================================================================
// RETRY POLICY
// ============================================================================

// RetryPolicy is the immutable configuration for a retry executor.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	JitterRange       float64 // fraction of the delay, e.g. 0.1 widens by +-10%

	// RetryableCodes and NonRetryableCodes are matched case-insensitively
	// against the error's code and message. Non-retryable wins over
	// retryable; both win over the error's own retryable flag.
	RetryableCodes    []string
	NonRetryableCodes []string

	AttemptTimeout    time.Duration
	UseCircuitBreaker bool

	// RetryIf, when set, fully overrides the eligibility decision.
	RetryIf func(err *apperrors.CategorizedError) bool
}

// Delay returns the backoff before the attempt following failedAttempt
// (1-based): min(base * multiplier^(failedAttempt-1), max), optionally
// widened by jitter and floored at zero.
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(failedAttempt-1))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if p.Jitter && p.JitterRange > 0 {
		backoff += backoff * p.JitterRange * (rand.Float64()*2 - 1)
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// RetryAttempt is a timestamped record of one execution.
type RetryAttempt struct {
	Number    int                         `json:"number"`
	StartedAt time.Time                   `json:"startedAt"`
	EndedAt   time.Time                   `json:"endedAt"`
	Duration  time.Duration               `json:"duration"`
	Success   bool                        `json:"success"`
	Err       *apperrors.CategorizedError `json:"error,omitempty"`
	NextDelay time.Duration               `json:"nextDelay,omitempty"`
}

// RetryResult aggregates all attempts plus the final outcome.
type RetryResult struct {
	Success          bool
	Result           interface{}
	Err              *apperrors.CategorizedError
	Attempts         []RetryAttempt
	TotalDuration    time.Duration
	ExhaustedRetries bool
}

// AttemptCount returns the number of attempts actually executed.
func (r *RetryResult) AttemptCount() int { return len(r.Attempts) }

// ============================================================================
// RETRY EXECUTOR
// ============================================================================

// RetryExecutor applies a backoff policy around a unit of work, optionally
// delegating each attempt through an associated circuit breaker.
type RetryExecutor struct {
	name       string
	policy     RetryPolicy
	classifier *apperrors.Classifier
	breaker    *CircuitBreaker
	logger     *zap.Logger

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err *apperrors.CategorizedError, delay time.Duration)

	executions int64
	retries    int64
	successes  int64
	failures   int64
}

// NewRetryExecutor creates an executor. breaker may be nil; it is only used
// when the policy opts in via UseCircuitBreaker.
func NewRetryExecutor(name string, policy RetryPolicy, classifier *apperrors.Classifier, breaker *CircuitBreaker, logger *zap.Logger) *RetryExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryExecutor{
		name:       name,
		policy:     policy,
		classifier: classifier,
		breaker:    breaker,
		logger:     logger.Named("retry").With(zap.String("executor", name)),
	}
}

// Policy returns the executor's immutable policy.
func (e *RetryExecutor) Policy() RetryPolicy { return e.policy }

// Execute runs the operation under the retry policy and returns the full
// attempt history. The backoff sleep is a timer select and never blocks
// other invocations.
func (e *RetryExecutor) Execute(ctx context.Context, op Operation) *RetryResult {
	return e.ExecuteWithTimeout(ctx, op, 0)
}

// ExecuteWithTimeout is Execute with a per-attempt timeout override;
// non-positive falls back to the policy's AttemptTimeout. Attempts routed
// through a circuit breaker use the breaker's own per-call timeout instead.
func (e *RetryExecutor) ExecuteWithTimeout(ctx context.Context, op Operation, attemptTimeout time.Duration) *RetryResult {
	if attemptTimeout <= 0 {
		attemptTimeout = e.policy.AttemptTimeout
	}
	atomic.AddInt64(&e.executions, 1)
	started := time.Now()
	result := &RetryResult{}

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		rec := RetryAttempt{Number: attempt, StartedAt: time.Now()}

		value, err := e.runAttempt(ctx, op, attemptTimeout)

		rec.EndedAt = time.Now()
		rec.Duration = rec.EndedAt.Sub(rec.StartedAt)

		if err == nil {
			rec.Success = true
			result.Attempts = append(result.Attempts, rec)
			result.Success = true
			result.Result = value
			result.TotalDuration = time.Since(started)
			atomic.AddInt64(&e.successes, 1)
			if attempt > 1 {
				e.logger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return result
		}

		ce := e.classifier.NewCategorizedError(err, apperrors.Metadata{
			Context: map[string]interface{}{"retryExecutor": e.name, "attempt": attempt},
		})
		rec.Err = ce

		eligible := e.shouldRetry(ce)
		lastAttempt := attempt == e.policy.MaxAttempts

		if !eligible || lastAttempt {
			result.Attempts = append(result.Attempts, rec)
			result.Err = ce
			result.TotalDuration = time.Since(started)
			result.ExhaustedRetries = eligible && lastAttempt
			atomic.AddInt64(&e.failures, 1)
			e.logger.Warn("operation failed",
				zap.Int("attempts", attempt),
				zap.Bool("exhausted", result.ExhaustedRetries),
				zap.String("category", string(ce.Category)),
				zap.Error(ce),
			)
			return result
		}

		delay := e.policy.Delay(attempt)
		rec.NextDelay = delay
		result.Attempts = append(result.Attempts, rec)
		atomic.AddInt64(&e.retries, 1)

		if e.OnRetry != nil {
			e.OnRetry(attempt, ce, delay)
		}
		e.logger.Warn("retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("category", string(ce.Category)),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.Err = e.classifier.NewCategorizedError(ctx.Err(), apperrors.Metadata{
				Context: map[string]interface{}{"retryExecutor": e.name},
			})
			result.TotalDuration = time.Since(started)
			atomic.AddInt64(&e.failures, 1)
			return result
		}
	}

	// Unreachable with MaxAttempts >= 1; kept so a zero policy fails closed.
	result.TotalDuration = time.Since(started)
	atomic.AddInt64(&e.failures, 1)
	return result
}

// runAttempt executes a single attempt, through the breaker when the policy
// opts in, otherwise directly with the per-attempt timeout.
func (e *RetryExecutor) runAttempt(ctx context.Context, op Operation, attemptTimeout time.Duration) (interface{}, error) {
	if e.policy.UseCircuitBreaker && e.breaker != nil {
		br := e.breaker.Execute(ctx, op)
		if br.Success {
			return br.Result, nil
		}
		return nil, br.Err
	}
	return runWithTimeout(ctx, attemptTimeout, op)
}

// shouldRetry decides retry eligibility: a custom predicate wins; otherwise
// non-retryable code lists beat retryable ones, defaulting to the error's
// own flag. FATAL errors are never retried.
func (e *RetryExecutor) shouldRetry(ce *apperrors.CategorizedError) bool {
	if e.policy.RetryIf != nil {
		return e.policy.RetryIf(ce)
	}
	if ce.Severity == apperrors.SeverityFatal {
		return false
	}
	if matchesAny(ce, e.policy.NonRetryableCodes) {
		return false
	}
	if matchesAny(ce, e.policy.RetryableCodes) {
		return true
	}
	return ce.Retryable
}

func matchesAny(ce *apperrors.CategorizedError, codes []string) bool {
	if len(codes) == 0 {
		return false
	}
	code := strings.ToLower(ce.Code)
	message := strings.ToLower(ce.Message)
	for _, c := range codes {
		c = strings.ToLower(c)
		if code == c || strings.Contains(message, c) {
			return true
		}
	}
	return false
}

// RetryStats is the observable snapshot of one executor.
type RetryStats struct {
	Name       string `json:"name"`
	Executions int64  `json:"executions"`
	Retries    int64  `json:"retries"`
	Successes  int64  `json:"successes"`
	Failures   int64  `json:"failures"`
}

// Stats returns a snapshot of the executor's counters.
func (e *RetryExecutor) Stats() RetryStats {
	return RetryStats{
		Name:       e.name,
		Executions: atomic.LoadInt64(&e.executions),
		Retries:    atomic.LoadInt64(&e.retries),
		Successes:  atomic.LoadInt64(&e.successes),
		Failures:   atomic.LoadInt64(&e.failures),
	}
}
