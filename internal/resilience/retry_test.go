package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "resilience-core/internal/errors"
)

func testExecutor(t *testing.T, policy RetryPolicy) *RetryExecutor {
	t.Helper()
	return NewRetryExecutor("test", policy, apperrors.NewClassifier(), nil, zap.NewNop())
}

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       maxAttempts,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryExecutor_CallTimeoutOverridesPolicy(t *testing.T) {
	policy := fastPolicy(1)
	policy.AttemptTimeout = time.Minute
	e := testExecutor(t, policy)

	res := e.ExecuteWithTimeout(context.Background(), func(ctx context.Context) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}, 20*time.Millisecond)

	assert.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, "OPERATION_TIMEOUT", res.Err.Code)
	assert.Equal(t, apperrors.CategoryTimeout, res.Err.Category)

	// A non-positive override falls back to the policy's own timeout.
	ok := e.ExecuteWithTimeout(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "fast", nil
	}, 0)
	assert.True(t, ok.Success)
}

func TestRetryPolicy_Delay_ExponentialBackoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	// Capped at MaxDelay from the fifth failure on.
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(20))
}

func TestRetryPolicy_Delay_JitterStaysInRange(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterRange:       0.1,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}

func TestRetryExecutor_ExhaustsAttempts(t *testing.T) {
	e := testExecutor(t, fastPolicy(3))

	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.AttemptCount())
	assert.True(t, res.ExhaustedRetries)
	require.NotNil(t, res.Err)
	assert.Equal(t, apperrors.CategoryNetwork, res.Err.Category)

	// Every non-final attempt carries its scheduled backoff.
	for _, a := range res.Attempts[:2] {
		assert.False(t, a.Success)
		assert.Greater(t, a.NextDelay, time.Duration(0))
	}
	assert.Zero(t, res.Attempts[2].NextDelay)
}

func TestRetryExecutor_SucceedsAfterRetry(t *testing.T) {
	e := testExecutor(t, fastPolicy(3))

	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("timeout")
		}
		return "recovered", nil
	})

	assert.True(t, res.Success)
	assert.Equal(t, "recovered", res.Result)
	assert.Equal(t, 3, res.AttemptCount())
	assert.False(t, res.ExhaustedRetries)
	assert.Nil(t, res.Err)
	assert.True(t, res.Attempts[2].Success)
}

func TestRetryExecutor_NonRetryableStopsImmediately(t *testing.T) {
	e := testExecutor(t, fastPolicy(5))

	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("validation failed: missing field")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.False(t, res.ExhaustedRetries)
	assert.Equal(t, apperrors.CategoryValidation, res.Err.Category)
}

func TestRetryExecutor_FatalNeverRetried(t *testing.T) {
	p := fastPolicy(5)
	// The code list would normally force a retry; FATAL wins.
	p.RetryableCodes = []string{"process_crash"}
	e := testExecutor(t, p)

	fatal := &apperrors.CategorizedError{
		Code:     "PROCESS_CRASH",
		Message:  "worker process crashed",
		Category: apperrors.CategorySystemFailure,
		Severity: apperrors.SeverityFatal,
	}

	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, fatal
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, apperrors.SeverityFatal, res.Err.Severity)
	assert.False(t, res.ExhaustedRetries)
}

func TestRetryExecutor_CodeListsOverrideErrorFlag(t *testing.T) {
	t.Run("retryable list forces retry of a non-retryable error", func(t *testing.T) {
		p := fastPolicy(2)
		p.RetryableCodes = []string{"payment declined"}
		e := testExecutor(t, p)

		calls := 0
		res := e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, errors.New("payment declined by issuer")
		})

		assert.Equal(t, 2, calls)
		assert.True(t, res.ExhaustedRetries)
	})

	t.Run("non-retryable list beats both", func(t *testing.T) {
		p := fastPolicy(5)
		p.RetryableCodes = []string{"timeout"}
		p.NonRetryableCodes = []string{"timeout"}
		e := testExecutor(t, p)

		calls := 0
		e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, errors.New("timeout waiting for lock")
		})

		assert.Equal(t, 1, calls)
	})
}

func TestRetryExecutor_RetryIfOverridesEverything(t *testing.T) {
	p := fastPolicy(4)
	p.RetryIf = func(err *apperrors.CategorizedError) bool {
		return err.Category == apperrors.CategoryValidation
	}
	e := testExecutor(t, p)

	calls := 0
	res := e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("validation failed")
	})

	// Normally never retried; the predicate says otherwise.
	assert.Equal(t, 4, calls)
	assert.True(t, res.ExhaustedRetries)
}

func TestRetryExecutor_ContextCancellationDuringBackoff(t *testing.T) {
	p := fastPolicy(3)
	p.BaseDelay = time.Second
	p.MaxDelay = time.Second
	e := testExecutor(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := e.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.New("timeout")
	})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	require.NotNil(t, res.Err)
}

func TestRetryExecutor_OnRetryCallback(t *testing.T) {
	e := testExecutor(t, fastPolicy(3))

	var attempts []int
	e.OnRetry = func(attempt int, err *apperrors.CategorizedError, delay time.Duration) {
		attempts = append(attempts, attempt)
	}

	e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection reset")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryExecutor_Stats(t *testing.T) {
	e := testExecutor(t, fastPolicy(2))

	e.Execute(context.Background(), succeedingOp)
	e.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("timeout")
	})

	stats := e.Stats()
	assert.Equal(t, int64(2), stats.Executions)
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(1), stats.Retries)
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		operationType string
		wantAttempts  int
	}{
		{"payment_capture", PaymentPolicy().MaxAttempts},
		{"ai_inference", AIInferencePolicy().MaxAttempts},
		{"database_write", DatabasePolicy().MaxAttempts},
		{"external_api_call", ExternalAPIPolicy().MaxAttempts},
		{"something_else", NetworkPolicy().MaxAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.operationType, func(t *testing.T) {
			assert.Equal(t, tt.wantAttempts, PolicyFor(tt.operationType).MaxAttempts)
		})
	}
}
