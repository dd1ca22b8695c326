package dlq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "resilience-core/internal/errors"
	"resilience-core/internal/infrastructure/observability"
)

// ============================================================================
// RECOVERY HANDLERS
// ============================================================================

// RecoveryOutcome is what a recovery handler reports back.
type RecoveryOutcome struct {
	Success bool
	Method  string
	Result  interface{}
	Err     error
}

// RecoveryHandler attempts to recover one item. Handlers are registered per
// operation type; the manager falls back to a handler that always fails when
// no registration matches.
type RecoveryHandler func(ctx context.Context, item *Item) RecoveryOutcome

// ============================================================================
// MANAGER
// ============================================================================

// ManagerConfig tunes the background reprocessing loop.
type ManagerConfig struct {
	ProcessingInterval time.Duration
	BatchSize          int
	Concurrency        int
	RetentionPeriod    time.Duration
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ProcessingInterval: 30 * time.Second,
		BatchSize:          50,
		Concurrency:        3,
		RetentionPeriod:    7 * 24 * time.Hour,
	}
}

// Manager owns the dead letter queue: item admission, the periodic recovery
// loop, escalation, cleanup, and stats. It is the only writer of Item
// records.
type Manager struct {
	store      Store
	classifier *apperrors.Classifier
	metrics    observability.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	config     ManagerConfig

	mu       sync.RWMutex
	handlers map[string]RecoveryHandler

	// isProcessing serializes passes: a tick that fires while a pass is
	// still running is skipped, never queued.
	isProcessing int32

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewManager wires a manager. Store and classifier are mandatory; metrics
// and logger fall back to no-ops.
func NewManager(store Store, classifier *apperrors.Classifier, metrics observability.Metrics, logger *zap.Logger, config ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("dlq manager requires a store")
	}
	if classifier == nil {
		return nil, fmt.Errorf("dlq manager requires a classifier")
	}
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ProcessingInterval <= 0 {
		config.ProcessingInterval = DefaultManagerConfig().ProcessingInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultManagerConfig().BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultManagerConfig().Concurrency
	}
	return &Manager{
		store:      store,
		classifier: classifier,
		metrics:    metrics,
		logger:     logger.Named("dlq"),
		tracer:     otel.Tracer("resilience-core/dlq"),
		config:     config,
		handlers:   make(map[string]RecoveryHandler),
		stopCh:     make(chan struct{}),
	}, nil
}

// RegisterRecoveryHandler installs the recovery handler for an operation
// type, replacing any previous registration.
func (m *Manager) RegisterRecoveryHandler(operationType string, h RecoveryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[operationType] = h
}

// handlerFor returns the registered handler or the default failing one.
func (m *Manager) handlerFor(operationType string) RecoveryHandler {
	m.mu.RLock()
	h, ok := m.handlers[operationType]
	m.mu.RUnlock()
	if ok {
		return h
	}
	return func(ctx context.Context, item *Item) RecoveryOutcome {
		return RecoveryOutcome{
			Success: false,
			Method:  "default",
			Err:     fmt.Errorf("no recovery handler registered for operation type %q", item.OperationType),
		}
	}
}

// Start launches the background reprocessing ticker. Idempotent.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.ProcessingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ProcessPass(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Info("dlq processing started",
		zap.Duration("interval", m.config.ProcessingInterval),
		zap.Int("concurrency", m.config.Concurrency),
	)
}

// Stop halts the background loop and waits for an in-flight pass.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.runMu.Lock()
	m.running = false
	m.runMu.Unlock()
	m.logger.Info("dlq processing stopped")
}

// Add admits a failed operation to the queue. Priority, retry policy, and
// the manual-intervention flag are derived from the error and operation
// type. High-or-above priority triggers an immediate pass instead of
// waiting for the next tick.
func (m *Manager) Add(ctx context.Context, operationID, operationType string, payload interface{}, cause error) (*Item, error) {
	ce := m.classifier.NewCategorizedError(cause, apperrors.Metadata{
		OperationID:   operationID,
		OperationType: operationType,
	})

	now := time.Now()
	policy := policyFor(operationType)
	item := &Item{
		ID:                         newItemID(),
		OperationID:                operationID,
		OperationType:              operationType,
		Payload:                    payload,
		Error:                      ce,
		FailureCount:               0,
		CreatedAt:                  now,
		LastFailedAt:               now,
		NextRetryAt:                now.Add(policy.BaseDelay),
		Status:                     StatusPending,
		Priority:                   priorityFor(operationType, ce),
		RetryPolicy:                policy,
		CorrelationID:              ce.CorrelationID,
		UserID:                     ce.UserID,
		ManualInterventionRequired: manualInterventionFor(ce),
	}

	if err := m.store.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create dlq item: %w", err)
	}
	if err := m.store.InsertPointer(ctx, item.ID, item.Priority); err != nil {
		m.logger.Error("failed to index dlq item", zap.String("itemId", item.ID), zap.Error(err))
	}

	m.metrics.Increment(observability.MetricDLQItemsTotal, 1, map[string]string{
		"operation_type": operationType,
		"priority":       item.Priority.String(),
	})
	m.logger.Warn("operation sent to dead letter queue",
		zap.String("itemId", item.ID),
		zap.String("operationType", operationType),
		zap.String("priority", item.Priority.String()),
		zap.Bool("manualIntervention", item.ManualInterventionRequired),
	)

	if item.Priority >= PriorityHigh {
		go m.ProcessPass(context.Background())
	}
	return item, nil
}

// ProcessPass runs one recovery sweep over due pending items. A pass that
// overlaps an in-flight one is skipped.
func (m *Manager) ProcessPass(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.isProcessing, 0, 1) {
		m.logger.Debug("dlq pass already in flight, skipping")
		return
	}
	defer atomic.StoreInt32(&m.isProcessing, 0)

	ctx, span := m.tracer.Start(ctx, "dlq.process_pass")
	defer span.End()

	items, err := m.store.QueryItems(ctx, Query{
		Statuses: []Status{StatusPending},
		Limit:    m.config.BatchSize,
	})
	if err != nil {
		span.RecordError(err)
		m.logger.Error("failed to query pending dlq items", zap.Error(err))
		return
	}

	now := time.Now()
	due := items[:0]
	for _, it := range items {
		if !it.NextRetryAt.After(now) {
			due = append(due, it)
		}
	}
	if len(due) == 0 {
		return
	}

	span.SetAttributes(attribute.Int("dlq.due_items", len(due)))
	m.logger.Info("processing dlq batch", zap.Int("items", len(due)))

	sem := make(chan struct{}, m.config.Concurrency)
	var wg sync.WaitGroup
	for _, it := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(item *Item) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("panic recovering dlq item",
						zap.String("itemId", item.ID),
						zap.Any("panic", r),
					)
					item.Status = StatusFailed
					item.Escalated = true
					if err := m.store.UpdateItem(ctx, item); err != nil {
						m.logger.Error("failed to mark panicked item", zap.String("itemId", item.ID), zap.Error(err))
					}
				}
			}()
			m.processItem(ctx, item)
		}(it)
	}
	wg.Wait()
}

// processItem runs one recovery attempt for one item and advances its
// lifecycle. Terminal items are never touched again.
func (m *Manager) processItem(ctx context.Context, item *Item) {
	if item.Status.Terminal() {
		return
	}

	// Manual-intervention items skip the handler entirely.
	if item.ManualInterventionRequired {
		m.escalate(ctx, item)
		return
	}

	item.Status = StatusProcessing
	if err := m.store.UpdateItem(ctx, item); err != nil {
		m.logger.Error("failed to mark item processing", zap.String("itemId", item.ID), zap.Error(err))
		return
	}

	started := time.Now()
	outcome := m.handlerFor(item.OperationType)(ctx, item)
	ended := time.Now()

	attempt := RecoveryAttempt{
		Number:    len(item.RecoveryAttempts) + 1,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  ended.Sub(started),
		Success:   outcome.Success,
		Method:    outcome.Method,
	}
	if outcome.Err != nil {
		attempt.Error = outcome.Err.Error()
	}
	item.RecoveryAttempts = append(item.RecoveryAttempts, attempt)

	if outcome.Success {
		item.Status = StatusRecovered
		if err := m.store.UpdateItem(ctx, item); err != nil {
			m.logger.Error("failed to mark item recovered", zap.String("itemId", item.ID), zap.Error(err))
			return
		}
		if err := m.store.RemovePointer(ctx, item.ID); err != nil {
			m.logger.Error("failed to deindex recovered item", zap.String("itemId", item.ID), zap.Error(err))
		}
		m.metrics.Increment(observability.MetricDLQRecoveriesTotal, 1, map[string]string{
			"operation_type": item.OperationType,
			"outcome":        "recovered",
		})
		m.logger.Info("dlq item recovered",
			zap.String("itemId", item.ID),
			zap.String("method", outcome.Method),
			zap.Int("attempts", len(item.RecoveryAttempts)),
		)
		return
	}

	item.FailureCount++
	item.LastFailedAt = ended

	if item.ShouldEscalate(ended) {
		m.escalate(ctx, item)
		return
	}

	item.Status = StatusPending
	item.NextRetryAt = ended.Add(item.RetryPolicy.NextDelay(item.FailureCount))
	if err := m.store.UpdateItem(ctx, item); err != nil {
		m.logger.Error("failed to reschedule item", zap.String("itemId", item.ID), zap.Error(err))
		return
	}
	m.metrics.Increment(observability.MetricDLQRecoveriesTotal, 1, map[string]string{
		"operation_type": item.OperationType,
		"outcome":        "retry_scheduled",
	})
	m.logger.Warn("dlq recovery failed, rescheduled",
		zap.String("itemId", item.ID),
		zap.Int("failureCount", item.FailureCount),
		zap.Time("nextRetryAt", item.NextRetryAt),
	)
}

// escalate moves an item out of automated recovery: MANUAL when a human must
// look at it, FAILED otherwise.
func (m *Manager) escalate(ctx context.Context, item *Item) {
	if item.ManualInterventionRequired || item.RetryPolicy.RequireManual {
		item.Status = StatusManual
	} else {
		item.Status = StatusFailed
	}
	item.Escalated = true

	if err := m.store.UpdateItem(ctx, item); err != nil {
		m.logger.Error("failed to escalate item", zap.String("itemId", item.ID), zap.Error(err))
		return
	}
	if err := m.store.RemovePointer(ctx, item.ID); err != nil {
		m.logger.Error("failed to deindex escalated item", zap.String("itemId", item.ID), zap.Error(err))
	}
	m.metrics.Increment(observability.MetricDLQRecoveriesTotal, 1, map[string]string{
		"operation_type": item.OperationType,
		"outcome":        "escalated",
	})
	m.logger.Error("dlq item escalated",
		zap.String("itemId", item.ID),
		zap.String("status", string(item.Status)),
		zap.Int("failureCount", item.FailureCount),
		zap.String("operationType", item.OperationType),
	)
}

// Cleanup purges recovered and archived items older than the retention
// period and returns the number removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.config.RetentionPeriod)
	removed, err := m.store.PurgeOlderThan(ctx, []Status{StatusRecovered, StatusArchived}, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dlq items: %w", err)
	}
	if removed > 0 {
		m.logger.Info("dlq cleanup completed", zap.Int("removed", removed), zap.Time("cutoff", cutoff))
	}
	return removed, nil
}

// PendingCount returns the number of items currently awaiting recovery.
// Backs the queue-depth gauge.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	items, err := m.store.QueryItems(ctx, Query{Statuses: []Status{StatusPending}})
	if err != nil {
		return 0, fmt.Errorf("count pending dlq items: %w", err)
	}
	return len(items), nil
}

// ============================================================================
// STATS
// ============================================================================

// Stats is the aggregate view of the queue.
type Stats struct {
	Total            int            `json:"total"`
	ByStatus         map[Status]int `json:"byStatus"`
	ByPriority       map[string]int `json:"byPriority"`
	ByOperationType  map[string]int `json:"byOperationType"`
	RecoveryRate     float64        `json:"recoveryRate"`
	EscalationRate   float64        `json:"escalationRate"`
	MeanRecoveryTime time.Duration  `json:"meanRecoveryTime"`
}

// Stats aggregates counts, the recovery rate over finished items, and the
// mean wall-clock time from admission to recovery.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	items, err := m.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dlq items: %w", err)
	}

	s := &Stats{
		ByStatus:        make(map[Status]int),
		ByPriority:      make(map[string]int),
		ByOperationType: make(map[string]int),
	}

	var recovered, finished, escalated int
	var recoveryTime time.Duration
	for _, it := range items {
		s.Total++
		s.ByStatus[it.Status]++
		s.ByPriority[it.Priority.String()]++
		s.ByOperationType[it.OperationType]++

		if it.Escalated {
			escalated++
		}
		switch it.Status {
		case StatusRecovered:
			recovered++
			finished++
			if n := len(it.RecoveryAttempts); n > 0 {
				recoveryTime += it.RecoveryAttempts[n-1].EndedAt.Sub(it.CreatedAt)
			}
		case StatusFailed, StatusManual, StatusArchived:
			finished++
		}
	}

	if finished > 0 {
		s.RecoveryRate = float64(recovered) / float64(finished)
	}
	if s.Total > 0 {
		s.EscalationRate = float64(escalated) / float64(s.Total)
	}
	if recovered > 0 {
		s.MeanRecoveryTime = recoveryTime / time.Duration(recovered)
	}
	return s, nil
}
