// Package alerting delivers high-severity error notifications. Sinks are
// fire-and-forget from the caller's perspective: delivery failures are
// logged, never propagated into the operation path.
package alerting

import (
	"context"

	"go.uber.org/zap"

	apperrors "resilience-core/internal/errors"
)

// Alert is one notification about a high-severity error.
type Alert struct {
	Error         *apperrors.CategorizedError `json:"error"`
	OperationID   string                      `json:"operationId,omitempty"`
	OperationType string                      `json:"operationType,omitempty"`
	Escalation    bool                        `json:"escalation"`
}

// Sink delivers alerts to an external channel.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// LogSink writes alerts to the structured log. It is the default sink when
// no external channel is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("alerts")}
}

// Send logs the alert at error level. It never fails.
func (s *LogSink) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("operationId", alert.OperationID),
		zap.String("operationType", alert.OperationType),
		zap.Bool("escalation", alert.Escalation),
	}
	if alert.Error != nil {
		fields = append(fields,
			zap.String("errorId", alert.Error.ID),
			zap.String("code", alert.Error.Code),
			zap.String("category", string(alert.Error.Category)),
			zap.String("severity", string(alert.Error.Severity)),
			zap.String("message", alert.Error.Message),
		)
	}
	s.logger.Error("ALERT", fields...)
	return nil
}

// NopSink discards alerts, for tests.
type NopSink struct{}

func (NopSink) Send(context.Context, Alert) error { return nil }
