// Package handler is the comprehensive error handling facade: it classifies
// failures, executes operations under the appropriate resilience strategy,
// routes unrecoverable work to the dead letter queue, and emits alerts and
// metrics along the way.
package handler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"resilience-core/internal/dlq"
	apperrors "resilience-core/internal/errors"
	"resilience-core/internal/infrastructure/alerting"
	"resilience-core/internal/infrastructure/observability"
	"resilience-core/internal/resilience"
)

// ============================================================================
// OPERATION CONTEXT AND RESULT
// ============================================================================

// OperationContext identifies one operation passing through the handler and
// carries the caller context attached to any resulting error.
type OperationContext struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	UserID        string                 `json:"userId,omitempty"`
	SessionID     string                 `json:"sessionId,omitempty"`
	Priority      int                    `json:"priority,omitempty"`
	// Timeout, when positive, overrides the retry policy's per-attempt
	// timeout for this operation.
	Timeout       time.Duration          `json:"timeout,omitempty"`
	Payload       interface{}            `json:"payload,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	StartedAt     time.Time              `json:"startedAt"`
}

// Strategy is the execution path chosen for an operation.
type Strategy string

const (
	StrategyDirect         Strategy = "direct"
	StrategyRetry          Strategy = "retry"
	StrategyCircuitBreaker Strategy = "circuit_breaker"
)

// Result is the full outcome of one handled operation.
type Result struct {
	Success  bool                        `json:"success"`
	Value    interface{}                 `json:"value,omitempty"`
	Err      *apperrors.CategorizedError `json:"error,omitempty"`
	Strategy Strategy                    `json:"strategy"`
	Attempts int                         `json:"attempts"`
	Duration time.Duration               `json:"duration"`

	BreakerState    string `json:"breakerState,omitempty"`
	CircuitRejected bool   `json:"circuitRejected,omitempty"`

	SentToDLQ bool   `json:"sentToDlq"`
	DLQItemID string `json:"dlqItemId,omitempty"`

	Operation OperationContext `json:"operation"`
}

// ============================================================================
// CONFIG
// ============================================================================

// Config holds the handler toggles and component defaults. Zero-value
// durations and ints fall back to component defaults at construction.
type Config struct {
	EnableRetry           bool
	EnableCircuitBreakers bool
	EnableDLQ             bool
	EnableAlerts          bool

	// DLQPriorityThreshold marks operations DLQ-eligible by priority alone.
	DLQPriorityThreshold int

	BreakerDefaults resilience.BreakerConfig
}

// DefaultConfig enables every subsystem with component defaults.
func DefaultConfig() Config {
	return Config{
		EnableRetry:           true,
		EnableCircuitBreakers: true,
		EnableDLQ:             true,
		EnableAlerts:          true,
		DLQPriorityThreshold:  3,
		BreakerDefaults:       resilience.DefaultBreakerConfig(),
	}
}

// ConfigUpdate is a partial config: nil fields keep their current value.
type ConfigUpdate struct {
	EnableRetry           *bool
	EnableCircuitBreakers *bool
	EnableDLQ             *bool
	EnableAlerts          *bool
	DLQPriorityThreshold  *int
}

// ============================================================================
// HANDLER
// ============================================================================

// Handler is the single entry point callers use to execute fallible
// operations. It owns lazy per-operation-type caches of circuit breakers and
// retry executors and a registry of in-flight operations.
type Handler struct {
	classifier *apperrors.Classifier
	dlqManager *dlq.Manager
	alerts     alerting.Sink
	metrics    observability.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer

	configMu sync.RWMutex
	config   Config

	breakers  sync.Map // operation type -> *resilience.CircuitBreaker
	executors sync.Map // operation type -> *resilience.RetryExecutor

	activeMu sync.RWMutex
	active   map[string]OperationContext
}

// New wires a handler. Classifier is mandatory; DLQ manager, alert sink, and
// metrics are optional collaborators whose absence disables the matching
// feature regardless of config toggles.
func New(classifier *apperrors.Classifier, dlqManager *dlq.Manager, alerts alerting.Sink, metrics observability.Metrics, logger *zap.Logger, config Config) (*Handler, error) {
	if classifier == nil {
		return nil, fmt.Errorf("error handler requires a classifier")
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	if alerts == nil {
		alerts = alerting.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BreakerDefaults.FailureThreshold <= 0 {
		config.BreakerDefaults = resilience.DefaultBreakerConfig()
	}
	if config.DLQPriorityThreshold <= 0 {
		config.DLQPriorityThreshold = DefaultConfig().DLQPriorityThreshold
	}
	return &Handler{
		classifier: classifier,
		dlqManager: dlqManager,
		alerts:     alerts,
		metrics:    metrics,
		logger:     logger.Named("error_handler"),
		tracer:     otel.Tracer("resilience-core/handler"),
		config:     config,
		active:     make(map[string]OperationContext),
	}, nil
}

// ExecuteWithErrorHandling runs the operation under the strategy derived
// from its type, classifying any failure exactly once and driving alerting
// and DLQ admission from the resulting taxonomy.
func (h *Handler) ExecuteWithErrorHandling(ctx context.Context, opCtx OperationContext, op resilience.Operation) *Result {
	if opCtx.ID == "" {
		opCtx.ID = "op_" + uuid.NewString()
	}
	opCtx.StartedAt = time.Now()

	ctx, span := h.tracer.Start(ctx, "handler.execute", trace.WithAttributes(
		attribute.String("operation.id", opCtx.ID),
		attribute.String("operation.type", opCtx.Type),
	))
	defer span.End()

	h.registerOperation(opCtx)
	defer h.deregisterOperation(opCtx.ID)

	cfg := h.currentConfig()
	strategy := h.strategyFor(opCtx.Type, cfg)
	span.SetAttributes(attribute.String("operation.strategy", string(strategy)))

	result := &Result{Strategy: strategy, Operation: opCtx}

	switch strategy {
	case StrategyCircuitBreaker, StrategyRetry:
		h.executeWithRetry(ctx, opCtx, op, strategy, result)
	default:
		h.executeDirect(ctx, opCtx, op, result)
	}
	result.Duration = time.Since(opCtx.StartedAt)

	h.metrics.Histogram(observability.MetricOperationDuration, result.Duration.Seconds(), map[string]string{
		"operation_type": opCtx.Type,
	})

	if result.Success {
		h.metrics.Increment(observability.MetricOperationsTotal, 1, map[string]string{
			"operation_type": opCtx.Type,
			"status":         "success",
		})
		return result
	}

	h.metrics.Increment(observability.MetricOperationsTotal, 1, map[string]string{
		"operation_type": opCtx.Type,
		"status":         "failure",
	})
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(otelcodes.Error, result.Err.Code)
	}
	h.handleFailure(ctx, opCtx, cfg, result)
	return result
}

// executeWithRetry runs the operation through the cached retry executor,
// with the cached breaker attached when the strategy calls for one.
func (h *Handler) executeWithRetry(ctx context.Context, opCtx OperationContext, op resilience.Operation, strategy Strategy, result *Result) {
	var breaker *resilience.CircuitBreaker
	if strategy == StrategyCircuitBreaker {
		breaker = h.breakerFor(opCtx.Type)
	}
	exec := h.executorFor(opCtx.Type, breaker)

	rr := exec.ExecuteWithTimeout(ctx, op, opCtx.Timeout)
	result.Attempts = rr.AttemptCount()
	if breaker != nil {
		result.BreakerState = breaker.CurrentState().String()
	}
	if rr.Success {
		result.Success = true
		result.Value = rr.Result
		return
	}
	result.Err = h.attachContext(rr.Err, opCtx)
	result.CircuitRejected = result.Err != nil && result.Err.Code == "CIRCUIT_BREAKER_OPEN"
	if !rr.ExhaustedRetries {
		return
	}
	result.Err.WithTags("retries_exhausted")
}

// executeDirect runs the operation once with no resilience wrapper.
func (h *Handler) executeDirect(ctx context.Context, opCtx OperationContext, op resilience.Operation, result *Result) {
	result.Attempts = 1
	value, err := op(ctx)
	if err == nil {
		result.Success = true
		result.Value = value
		return
	}
	ce := h.classifier.NewCategorizedError(err, apperrors.Metadata{
		OperationID:   opCtx.ID,
		OperationType: opCtx.Type,
		CorrelationID: opCtx.CorrelationID,
		UserID:        opCtx.UserID,
		SessionID:     opCtx.SessionID,
	})
	result.Err = h.attachContext(ce, opCtx)
}

// handleFailure drives the post-failure pipeline: log, error metrics,
// synchronous alerting, and DLQ admission.
func (h *Handler) handleFailure(ctx context.Context, opCtx OperationContext, cfg Config, result *Result) {
	ce := result.Err
	if ce == nil {
		return
	}

	h.metrics.Increment(observability.MetricErrorsTotal, 1, map[string]string{
		"category": string(ce.Category),
		"severity": string(ce.Severity),
	})
	if result.CircuitRejected {
		h.metrics.Increment(observability.MetricBreakerRejections, 1, map[string]string{
			"breaker": breakerName(opCtx.Type),
		})
	}
	h.logger.Error("operation failed",
		zap.String("operationId", opCtx.ID),
		zap.String("operationType", opCtx.Type),
		zap.String("strategy", string(result.Strategy)),
		zap.Int("attempts", result.Attempts),
		zap.String("category", string(ce.Category)),
		zap.String("severity", string(ce.Severity)),
		zap.Error(ce),
	)

	if cfg.EnableAlerts && ce.RequiresAlert {
		// Alerting is synchronous; a failed delivery is logged, never
		// surfaced to the operation's caller.
		if err := h.alerts.Send(ctx, alerting.Alert{
			Error:         ce,
			OperationID:   opCtx.ID,
			OperationType: opCtx.Type,
			Escalation:    ce.RequiresEscalation,
		}); err != nil {
			h.logger.Error("alert delivery failed", zap.String("operationId", opCtx.ID), zap.Error(err))
		}
	}

	if cfg.EnableDLQ && h.dlqManager != nil && h.shouldSendToDLQ(opCtx, ce, cfg) {
		item, err := h.dlqManager.Add(ctx, opCtx.ID, opCtx.Type, opCtx.Payload, ce)
		if err != nil {
			h.logger.Error("failed to enqueue dlq item", zap.String("operationId", opCtx.ID), zap.Error(err))
			return
		}
		result.SentToDLQ = true
		result.DLQItemID = item.ID
	}
}

// strategyFor derives the execution strategy from the operation type.
// Validation and auth flows fail fast with no resilience wrapper.
func (h *Handler) strategyFor(operationType string, cfg Config) Strategy {
	t := strings.ToLower(operationType)
	switch {
	case strings.Contains(t, "validation"), strings.Contains(t, "auth"):
		return StrategyDirect
	case cfg.EnableCircuitBreakers &&
		(strings.Contains(t, "external") || strings.Contains(t, "api") ||
			strings.Contains(t, "payment") || strings.Contains(t, "ai")):
		return StrategyCircuitBreaker
	case cfg.EnableRetry:
		return StrategyRetry
	default:
		return StrategyDirect
	}
}

// shouldSendToDLQ decides DLQ admission. Critical-or-worse severity and
// non-retryable failures are enqueued regardless of operation type, so no
// failed unit of work is silently lost. Retryable failures qualify only on
// payment and user-impacting types or high caller priority, once retries
// are exhausted or the taxonomy demands dead-lettering.
func (h *Handler) shouldSendToDLQ(opCtx OperationContext, ce *apperrors.CategorizedError, cfg Config) bool {
	if ce.Severity == apperrors.SeverityCritical || ce.Severity == apperrors.SeverityFatal {
		return true
	}
	if !ce.Retryable {
		return true
	}
	t := strings.ToLower(opCtx.Type)
	eligible := strings.Contains(t, "payment") ||
		strings.Contains(t, "credit") ||
		strings.Contains(t, "user") ||
		opCtx.Priority >= cfg.DLQPriorityThreshold
	return eligible && (ce.HasTag("retries_exhausted") || ce.Strategy == apperrors.StrategyDeadLetter)
}

// attachContext appends the operation identity to an already-categorized
// error without touching its taxonomy.
func (h *Handler) attachContext(ce *apperrors.CategorizedError, opCtx OperationContext) *apperrors.CategorizedError {
	if ce == nil {
		return nil
	}
	if ce.CorrelationID == "" {
		ce.CorrelationID = opCtx.CorrelationID
	}
	if ce.UserID == "" {
		ce.UserID = opCtx.UserID
	}
	if ce.SessionID == "" {
		ce.SessionID = opCtx.SessionID
	}
	return ce.WithContext(map[string]interface{}{
		"operationId":   opCtx.ID,
		"operationType": opCtx.Type,
	})
}

// ============================================================================
// COMPONENT CACHES
// ============================================================================

func breakerName(operationType string) string {
	return operationType + "_cb"
}

// breakerFor returns the per-type breaker, creating it on first use.
func (h *Handler) breakerFor(operationType string) *resilience.CircuitBreaker {
	if cb, ok := h.breakers.Load(operationType); ok {
		return cb.(*resilience.CircuitBreaker)
	}
	cfg := h.currentConfig()
	created := resilience.NewCircuitBreaker(breakerName(operationType), cfg.BreakerDefaults, h.classifier, h.logger)
	actual, _ := h.breakers.LoadOrStore(operationType, created)
	return actual.(*resilience.CircuitBreaker)
}

// executorFor returns the per-type retry executor, creating it with the
// pre-baked policy for the type on first use.
func (h *Handler) executorFor(operationType string, breaker *resilience.CircuitBreaker) *resilience.RetryExecutor {
	if ex, ok := h.executors.Load(operationType); ok {
		return ex.(*resilience.RetryExecutor)
	}
	policy := resilience.PolicyFor(operationType)
	if breaker == nil {
		policy.UseCircuitBreaker = false
	}
	created := resilience.NewRetryExecutor(operationType, policy, h.classifier, breaker, h.logger)
	created.OnRetry = func(attempt int, _ *apperrors.CategorizedError, _ time.Duration) {
		h.metrics.Increment(observability.MetricRetryAttempts, 1, map[string]string{
			"executor": operationType,
		})
	}
	actual, _ := h.executors.LoadOrStore(operationType, created)
	return actual.(*resilience.RetryExecutor)
}

// ============================================================================
// OPERATION REGISTRY
// ============================================================================

func (h *Handler) registerOperation(opCtx OperationContext) {
	h.activeMu.Lock()
	h.active[opCtx.ID] = opCtx
	h.activeMu.Unlock()
}

func (h *Handler) deregisterOperation(id string) {
	h.activeMu.Lock()
	delete(h.active, id)
	h.activeMu.Unlock()
}

// ActiveOperations returns a snapshot of in-flight operations.
func (h *Handler) ActiveOperations() []OperationContext {
	h.activeMu.RLock()
	defer h.activeMu.RUnlock()
	out := make([]OperationContext, 0, len(h.active))
	for _, op := range h.active {
		out = append(out, op)
	}
	return out
}

// ============================================================================
// EXTENSION SURFACE
// ============================================================================

// AddClassificationRule prepends a classification rule, giving it priority
// over all existing rules.
func (h *Handler) AddClassificationRule(r apperrors.Rule) {
	h.classifier.AddRule(r)
}

// RegisterDLQRecoveryHandler installs a recovery handler for an operation
// type. No-op when the handler runs without a DLQ.
func (h *Handler) RegisterDLQRecoveryHandler(operationType string, rh dlq.RecoveryHandler) {
	if h.dlqManager == nil {
		return
	}
	h.dlqManager.RegisterRecoveryHandler(operationType, rh)
}

// ForceCircuitBreakerState drives the named operation type's breaker into
// the given state, creating the breaker if it does not exist yet.
func (h *Handler) ForceCircuitBreakerState(operationType string, state string) error {
	s, err := resilience.ParseState(state)
	if err != nil {
		return err
	}
	h.breakerFor(operationType).ForceState(s)
	return nil
}

// UpdateConfig applies a partial config update. Used by the config watcher
// on hot reload.
func (h *Handler) UpdateConfig(update ConfigUpdate) {
	h.configMu.Lock()
	defer h.configMu.Unlock()
	if update.EnableRetry != nil {
		h.config.EnableRetry = *update.EnableRetry
	}
	if update.EnableCircuitBreakers != nil {
		h.config.EnableCircuitBreakers = *update.EnableCircuitBreakers
	}
	if update.EnableDLQ != nil {
		h.config.EnableDLQ = *update.EnableDLQ
	}
	if update.EnableAlerts != nil {
		h.config.EnableAlerts = *update.EnableAlerts
	}
	if update.DLQPriorityThreshold != nil {
		h.config.DLQPriorityThreshold = *update.DLQPriorityThreshold
	}
	h.logger.Info("error handler config updated",
		zap.Bool("retry", h.config.EnableRetry),
		zap.Bool("circuitBreakers", h.config.EnableCircuitBreakers),
		zap.Bool("dlq", h.config.EnableDLQ),
		zap.Bool("alerts", h.config.EnableAlerts),
	)
}

func (h *Handler) currentConfig() Config {
	h.configMu.RLock()
	defer h.configMu.RUnlock()
	return h.config
}

// ============================================================================
// STATS
// ============================================================================

// HandlerStats aggregates the observable state of every subsystem.
type HandlerStats struct {
	ActiveOperations int                       `json:"activeOperations"`
	Breakers         []resilience.BreakerStats `json:"circuitBreakers"`
	Executors        []resilience.RetryStats   `json:"retryExecutors"`
	DLQ              *dlq.Stats                `json:"dlq,omitempty"`
}

// Stats snapshots breaker, retry, and DLQ state.
func (h *Handler) Stats(ctx context.Context) (*HandlerStats, error) {
	stats := &HandlerStats{}

	h.activeMu.RLock()
	stats.ActiveOperations = len(h.active)
	h.activeMu.RUnlock()

	h.breakers.Range(func(_, v interface{}) bool {
		stats.Breakers = append(stats.Breakers, v.(*resilience.CircuitBreaker).Stats())
		return true
	})
	h.executors.Range(func(_, v interface{}) bool {
		stats.Executors = append(stats.Executors, v.(*resilience.RetryExecutor).Stats())
		return true
	})

	if h.dlqManager != nil {
		dlqStats, err := h.dlqManager.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("dlq stats: %w", err)
		}
		stats.DLQ = dlqStats
	}
	return stats, nil
}
