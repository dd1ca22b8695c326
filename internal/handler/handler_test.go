package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"resilience-core/internal/dlq"
	apperrors "resilience-core/internal/errors"
	"resilience-core/internal/infrastructure/alerting"
	"resilience-core/internal/infrastructure/persistence"
)

// capturingSink records delivered alerts and can be told to fail.
type capturingSink struct {
	mu     sync.Mutex
	alerts []alerting.Alert
	fail   bool
}

func (s *capturingSink) Send(ctx context.Context, a alerting.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *capturingSink) delivered() []alerting.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerting.Alert(nil), s.alerts...)
}

func newTestHandler(t *testing.T, sink alerting.Sink) (*Handler, *dlq.Manager) {
	t.Helper()
	classifier := apperrors.NewClassifier()
	store := persistence.NewMemoryStore()
	manager, err := dlq.NewManager(store, classifier, nil, zap.NewNop(), dlq.ManagerConfig{
		ProcessingInterval: time.Hour,
		BatchSize:          10,
		Concurrency:        2,
		RetentionPeriod:    7 * 24 * time.Hour,
	})
	require.NoError(t, err)

	h, err := New(classifier, manager, sink, nil, zap.NewNop(), DefaultConfig())
	require.NoError(t, err)
	return h, manager
}

func TestNew_RequiresClassifier(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil, DefaultConfig())
	assert.Error(t, err)
}

func TestHandler_StrategyDerivation(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	cfg := DefaultConfig()

	tests := []struct {
		operationType string
		want          Strategy
	}{
		{"validation_check", StrategyDirect},
		{"auth_login", StrategyDirect},
		{"external_fetch", StrategyCircuitBreaker},
		{"api_call", StrategyCircuitBreaker},
		{"payment_charge", StrategyCircuitBreaker},
		{"ai_inference", StrategyCircuitBreaker},
		{"sync_operation", StrategyRetry},
		{"database_write", StrategyRetry},
	}
	for _, tt := range tests {
		t.Run(tt.operationType, func(t *testing.T) {
			assert.Equal(t, tt.want, h.strategyFor(tt.operationType, cfg))
		})
	}

	t.Run("breakers disabled falls through to retry", func(t *testing.T) {
		noCB := cfg
		noCB.EnableCircuitBreakers = false
		assert.Equal(t, StrategyRetry, h.strategyFor("payment_charge", noCB))
	})

	t.Run("everything disabled means direct", func(t *testing.T) {
		bare := cfg
		bare.EnableCircuitBreakers = false
		bare.EnableRetry = false
		assert.Equal(t, StrategyDirect, h.strategyFor("sync_operation", bare))
	})
}

func TestHandler_SuccessPath(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "sync_operation"},
		func(ctx context.Context) (interface{}, error) { return 42, nil },
	)

	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, StrategyRetry, res.Strategy)
	assert.Equal(t, 1, res.Attempts)
	assert.Nil(t, res.Err)
	assert.False(t, res.SentToDLQ)
	assert.NotEmpty(t, res.Operation.ID)
	assert.Empty(t, h.ActiveOperations())
}

func TestHandler_ValidationFailsFast(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	calls := 0
	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "validation_check"},
		func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, errors.New("validation failed: bad email")
		},
	)

	assert.False(t, res.Success)
	assert.Equal(t, StrategyDirect, res.Strategy)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Err)
	assert.Equal(t, apperrors.CategoryValidation, res.Err.Category)
	// Non-retryable failures are always dead-lettered.
	assert.True(t, res.SentToDLQ)
	assert.NotEmpty(t, res.DLQItemID)
}

func TestHandler_RetryRecovers(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	calls := 0
	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "database_write"},
		func(ctx context.Context) (interface{}, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("conditional check failed")
			}
			return "written", nil
		},
	)

	assert.True(t, res.Success)
	assert.Equal(t, "written", res.Value)
	assert.Equal(t, StrategyRetry, res.Strategy)
	assert.Equal(t, 2, res.Attempts)
}

func TestHandler_NonRetryablePaymentGoesToDLQ(t *testing.T) {
	h, manager := newTestHandler(t, nil)

	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "payment_charge", Payload: map[string]string{"amount": "100"}},
		func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("payment declined by issuer")
		},
	)

	assert.False(t, res.Success)
	assert.Equal(t, StrategyCircuitBreaker, res.Strategy)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.SentToDLQ)
	assert.NotEmpty(t, res.DLQItemID)
	require.NotNil(t, res.Err)
	assert.Equal(t, res.Operation.ID, res.Err.Context["operationId"])

	stats, err := manager.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestHandler_LowStakesRetryableFailureSkipsDLQ(t *testing.T) {
	h, manager := newTestHandler(t, nil)

	// Retry disabled so the retryable failure surfaces without backoff
	// sleeps; a low-priority sync op is not DLQ-eligible.
	off := false
	h.UpdateConfig(ConfigUpdate{EnableRetry: &off})

	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "sync_operation", Priority: 1},
		func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("connection refused")
		},
	)

	assert.False(t, res.Success)
	assert.False(t, res.SentToDLQ)

	stats, err := manager.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestHandler_ShouldSendToDLQ(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	cfg := DefaultConfig()

	retryable := &apperrors.CategorizedError{Severity: apperrors.SeverityMedium, Retryable: true}
	nonRetryable := &apperrors.CategorizedError{Severity: apperrors.SeverityMedium}
	critical := &apperrors.CategorizedError{Severity: apperrors.SeverityCritical, Retryable: true}
	exhausted := (&apperrors.CategorizedError{Severity: apperrors.SeverityMedium, Retryable: true}).WithTags("retries_exhausted")

	tests := []struct {
		name string
		op   OperationContext
		err  *apperrors.CategorizedError
		want bool
	}{
		{"payment with non-retryable error", OperationContext{Type: "payment_charge"}, nonRetryable, true},
		{"payment with retryable error still in play", OperationContext{Type: "payment_charge"}, retryable, false},
		{"credit op with critical error", OperationContext{Type: "credit_grant"}, critical, true},
		{"user op with exhausted retries", OperationContext{Type: "user_update"}, exhausted, true},
		{"high caller priority with exhausted retries", OperationContext{Type: "sync_operation", Priority: 4}, exhausted, true},
		{"critical severity on a low-stakes op", OperationContext{Type: "sync_operation", Priority: 1}, critical, true},
		{"non-retryable error on a low-stakes op", OperationContext{Type: "sync_operation", Priority: 1}, nonRetryable, true},
		{"retryable failure on a low-stakes op", OperationContext{Type: "sync_operation", Priority: 1}, retryable, false},
		{"exhausted retries on a low-stakes op", OperationContext{Type: "sync_operation", Priority: 1}, exhausted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.shouldSendToDLQ(tt.op, tt.err, cfg))
		})
	}
}

func TestHandler_CriticalFailureAlwaysGoesToDLQ(t *testing.T) {
	h, manager := newTestHandler(t, nil)

	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "inventory_sync", Priority: 1},
		func(ctx context.Context) (interface{}, error) {
			return nil, &apperrors.CategorizedError{
				ID:        apperrors.NewID(),
				Code:      "INVENTORY_DESYNC",
				Message:   "warehouse count diverged from ledger",
				Category:  apperrors.CategoryDataInconsistency,
				Severity:  apperrors.SeverityCritical,
				Timestamp: time.Now().UTC(),
			}
		},
	)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.True(t, res.SentToDLQ)
	assert.NotEmpty(t, res.DLQItemID)

	stats, err := manager.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[dlq.StatusPending])
}

func TestHandler_OperationTimeoutOverridesPolicy(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "database_write", Timeout: 30 * time.Millisecond},
		func(ctx context.Context) (interface{}, error) {
			time.Sleep(500 * time.Millisecond)
			return "written", nil
		},
	)

	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	require.NotNil(t, res.Err)
	assert.Equal(t, "OPERATION_TIMEOUT", res.Err.Code)
	assert.Equal(t, apperrors.CategoryTimeout, res.Err.Category)
}

func TestHandler_AlertsOnHighSeverity(t *testing.T) {
	sink := &capturingSink{}
	h, _ := newTestHandler(t, sink)

	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "auth_login"},
		func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("unauthorized: invalid credentials")
		},
	)

	assert.False(t, res.Success)
	alerts := sink.delivered()
	require.Len(t, alerts, 1)
	assert.Equal(t, res.Operation.ID, alerts[0].OperationID)
	assert.Equal(t, "auth_login", alerts[0].OperationType)
	assert.False(t, alerts[0].Escalation)
}

func TestHandler_AlertFailureNotPropagated(t *testing.T) {
	sink := &capturingSink{fail: true}
	h, _ := newTestHandler(t, sink)

	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "auth_login"},
		func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("unauthorized")
		},
	)

	assert.False(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Equal(t, apperrors.CategoryAuthentication, res.Err.Category)
}

func TestHandler_ForcedOpenBreakerRejects(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	require.NoError(t, h.ForceCircuitBreakerState("payment_charge", "OPEN"))
	assert.Error(t, h.ForceCircuitBreakerState("payment_charge", "WOBBLY"))

	ran := false
	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "payment_charge"},
		func(ctx context.Context) (interface{}, error) {
			ran = true
			return "charged", nil
		},
	)

	assert.False(t, ran)
	assert.False(t, res.Success)
	assert.True(t, res.CircuitRejected)
	require.NotNil(t, res.Err)
	assert.Equal(t, "CIRCUIT_BREAKER_OPEN", res.Err.Code)
	assert.Equal(t, "OPEN", res.BreakerState)
	assert.True(t, res.Err.HasTag("retries_exhausted"))
}

func TestHandler_UpdateConfigTogglesSubsystems(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	off := false
	threshold := 5
	h.UpdateConfig(ConfigUpdate{
		EnableRetry:           &off,
		EnableCircuitBreakers: &off,
		DLQPriorityThreshold:  &threshold,
	})

	cfg := h.currentConfig()
	assert.False(t, cfg.EnableRetry)
	assert.False(t, cfg.EnableCircuitBreakers)
	assert.True(t, cfg.EnableDLQ)
	assert.Equal(t, 5, cfg.DLQPriorityThreshold)

	// With everything off, even a payment op runs direct.
	calls := 0
	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "payment_charge"},
		func(ctx context.Context) (interface{}, error) {
			calls++
			return nil, errors.New("timeout")
		},
	)
	assert.Equal(t, StrategyDirect, res.Strategy)
	assert.Equal(t, 1, calls)
}

func TestHandler_AddClassificationRule(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	h.AddClassificationRule(apperrors.Rule{
		Match:     apperrors.Literal("ledger drift"),
		Category:  apperrors.CategoryDataInconsistency,
		Severity:  apperrors.SeverityHigh,
		Retryable: false,
		Strategy:  apperrors.StrategyManual,
	})

	res := h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "sync_operation"},
		func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("ledger drift detected on account")
		},
	)

	require.NotNil(t, res.Err)
	assert.Equal(t, apperrors.CategoryDataInconsistency, res.Err.Category)
	assert.Equal(t, 1, res.Attempts)
}

func TestHandler_ActiveOperationsTracksInFlight(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	var inFlight int
	h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{ID: "op_fixed", Type: "sync_operation"},
		func(ctx context.Context) (interface{}, error) {
			inFlight = len(h.ActiveOperations())
			return nil, nil
		},
	)

	assert.Equal(t, 1, inFlight)
	assert.Empty(t, h.ActiveOperations())
}

func TestHandler_Stats(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "api_call"},
		func(ctx context.Context) (interface{}, error) { return "ok", nil },
	)
	h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "sync_operation"},
		func(ctx context.Context) (interface{}, error) { return "ok", nil },
	)

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.ActiveOperations)
	assert.Len(t, stats.Breakers, 1)
	assert.Len(t, stats.Executors, 2)
	require.NotNil(t, stats.DLQ)
	assert.Zero(t, stats.DLQ.Total)
}

func TestHandler_ExecutionEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h, _ := newTestHandler(t, nil)
	h.ExecuteWithErrorHandling(context.Background(),
		OperationContext{Type: "sync_operation"},
		func(ctx context.Context) (interface{}, error) { return "ok", nil },
	)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "handler.execute", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("operation.type", "sync_operation"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("operation.strategy", string(StrategyRetry)))
}
