// Package resilience implements the execution-side recovery mechanisms:
// per-resource circuit breakers and policy-driven retry executors with
// exponential backoff. Both shape their failures through the error
// classifier so callers only ever see categorized errors.
package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "resilience-core/internal/errors"
)

// State represents the current circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ParseState converts the wire representation back to a State, for the
// operator surface that forces breaker states by name.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(s) {
	case "CLOSED":
		return StateClosed, nil
	case "OPEN":
		return StateOpen, nil
	case "HALF_OPEN":
		return StateHalfOpen, nil
	default:
		return StateClosed, fmt.Errorf("unknown circuit state %q", s)
	}
}

// BreakerConfig configures a circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	Timeout          time.Duration // per-call execution timeout
	ResetTimeout     time.Duration // cool-down before probing in half-open
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// Operation is an opaque unit of work.
type Operation func(ctx context.Context) (interface{}, error)

// BreakerResult is the tagged outcome of a breaker-guarded call. Rejected
// distinguishes "the breaker refused the call" from "the operation failed".
type BreakerResult struct {
	Success  bool
	Result   interface{}
	Err      *apperrors.CategorizedError
	State    State
	Rejected bool
}

// CircuitBreaker is a per-resource state machine guarding against cascading
// failures. All counter and state access is serialized by a single mutex.
type CircuitBreaker struct {
	name       string
	config     BreakerConfig
	classifier *apperrors.Classifier
	logger     *zap.Logger

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	lastTransition time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(name string, config BreakerConfig, classifier *apperrors.Classifier, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		name:           name,
		config:         config,
		classifier:     classifier,
		logger:         logger.Named("circuit_breaker").With(zap.String("breaker", name)),
		state:          StateClosed,
		lastTransition: time.Now(),
	}
}

// Execute runs the operation under breaker protection and returns a tagged
// result rather than a bare error.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) BreakerResult {
	cb.mu.Lock()
	// OPEN transitions to HALF_OPEN once the cool-down has elapsed.
	if cb.state == StateOpen && time.Since(cb.lastTransition) >= cb.config.ResetTimeout {
		cb.transitionTo(StateHalfOpen)
	}
	if cb.state == StateOpen {
		state := cb.state
		cb.mu.Unlock()
		return BreakerResult{
			Err:      cb.rejectionError(),
			State:    state,
			Rejected: true,
		}
	}
	cb.mu.Unlock()

	result, err := runWithTimeout(ctx, cb.config.Timeout, op)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure()
		return BreakerResult{
			Err:   cb.classifier.NewCategorizedError(err, apperrors.Metadata{Context: map[string]interface{}{"circuitBreaker": cb.name}}),
			State: cb.state,
		}
	}
	cb.onSuccess()
	return BreakerResult{Success: true, Result: result, State: cb.state}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// A single failure while probing reopens the circuit and restarts
		// the cool-down timer.
		cb.transitionTo(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

// transitionTo changes state and resets counters. Callers hold the mutex.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.lastTransition = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.logger.Info("circuit breaker state changed",
		zap.String("from", old.String()),
		zap.String("to", newState.String()),
	)
}

// ForceOpen opens the circuit immediately, bypassing normal transition logic.
// The breaker stays open for a full ResetTimeout before probing again.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateOpen)
	cb.logger.Warn("circuit breaker forced open")
}

// ForceClosed closes the circuit immediately and clears all counters.
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
	cb.logger.Warn("circuit breaker forced closed")
}

// ForceState drives the breaker into an arbitrary state, for operational
// control and testing.
func (cb *CircuitBreaker) ForceState(s State) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(s)
}

// CurrentState returns the state, applying the OPEN -> HALF_OPEN cool-down
// transition if it is due.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastTransition) >= cb.config.ResetTimeout {
		cb.transitionTo(StateHalfOpen)
	}
	return cb.state
}

// BreakerStats is the observable snapshot of one breaker.
type BreakerStats struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Failures       int       `json:"failures"`
	Successes      int       `json:"successes"`
	LastTransition time.Time `json:"lastTransition"`
}

// Stats returns a snapshot of the breaker's counters and state.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:           cb.name,
		State:          cb.state.String(),
		Failures:       cb.failures,
		Successes:      cb.successes,
		LastTransition: cb.lastTransition,
	}
}

func (cb *CircuitBreaker) rejectionError() *apperrors.CategorizedError {
	return &apperrors.CategorizedError{
		ID:            apperrors.NewID(),
		Code:          "CIRCUIT_BREAKER_OPEN",
		Message:       fmt.Sprintf("circuit breaker %q is open, request rejected", cb.name),
		Category:      apperrors.CategoryExternalService,
		Severity:      apperrors.SeverityMedium,
		Timestamp:     time.Now().UTC(),
		Retryable:     true,
		Strategy:      apperrors.StrategyCircuitBreaker,
		StatusCode:    503,
		IsOperational: true,
	}
}

// runWithTimeout races the operation against a timer. Timeout zero means no
// per-call limit. The abandoned operation goroutine finishes in the
// background and its result is discarded; there is no caller-initiated
// cancellation beyond the context.
func runWithTimeout(ctx context.Context, timeout time.Duration, op Operation) (interface{}, error) {
	if timeout <= 0 {
		return op(ctx)
	}

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(ctx)
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, &apperrors.CategorizedError{
			ID:            apperrors.NewID(),
			Code:          "OPERATION_TIMEOUT",
			Message:       fmt.Sprintf("operation timed out after %s", timeout),
			Category:      apperrors.CategoryTimeout,
			Severity:      apperrors.SeverityMedium,
			Timestamp:     time.Now().UTC(),
			Retryable:     true,
			Strategy:      apperrors.StrategyRetry,
			StatusCode:    504,
			IsOperational: true,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
