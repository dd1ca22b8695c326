package di

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"resilience-core/internal/config"
	"resilience-core/internal/dlq"
	apperrors "resilience-core/internal/errors"
	"resilience-core/internal/handler"
	"resilience-core/internal/infrastructure/alerting"
	"resilience-core/internal/infrastructure/observability"
	"resilience-core/internal/infrastructure/persistence"
	"resilience-core/internal/resilience"
)

// LocalSet wires the memory-backed component graph used for local
// development and tests, where no AWS clients are needed.
var LocalSet = wire.NewSet(
	provideClassifier,
	provideCollector,
	provideMemoryStore,
	provideManagerConfig,
	provideManager,
	provideLogAlertSink,
	provideHandlerConfig,
	provideHandler,
	provideLocalContainer,
)

func provideClassifier() *apperrors.Classifier {
	return apperrors.NewClassifier()
}

func provideCollector() *observability.Collector {
	return observability.NewCollector("resilience")
}

func provideMemoryStore() dlq.Store {
	return persistence.NewMemoryStore()
}

func provideManagerConfig(cfg *config.Config) dlq.ManagerConfig {
	return dlq.ManagerConfig{
		ProcessingInterval: cfg.DLQ.ProcessingInterval,
		BatchSize:          cfg.DLQ.BatchSize,
		Concurrency:        cfg.DLQ.Concurrency,
		RetentionPeriod:    cfg.DLQ.RetentionPeriod,
	}
}

func provideManager(store dlq.Store, classifier *apperrors.Classifier, collector *observability.Collector, logger *zap.Logger, mc dlq.ManagerConfig) (*dlq.Manager, error) {
	return dlq.NewManager(store, classifier, collector, logger, mc)
}

func provideLogAlertSink(logger *zap.Logger) alerting.Sink {
	return alerting.NewLogSink(logger)
}

func provideHandlerConfig(cfg *config.Config) handler.Config {
	return handler.Config{
		EnableRetry:           cfg.Handler.EnableRetry,
		EnableCircuitBreakers: cfg.Handler.EnableCircuitBreakers,
		EnableDLQ:             cfg.Handler.EnableDLQ,
		EnableAlerts:          cfg.Handler.EnableAlerts,
		DLQPriorityThreshold:  cfg.Handler.DLQPriorityThreshold,
		BreakerDefaults: resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.Timeout,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		},
	}
}

func provideHandler(classifier *apperrors.Classifier, manager *dlq.Manager, sink alerting.Sink, collector *observability.Collector, logger *zap.Logger, hc handler.Config) (*handler.Handler, error) {
	return handler.New(classifier, manager, sink, collector, logger, hc)
}

func provideLocalContainer(cfg *config.Config, logger *zap.Logger, classifier *apperrors.Classifier, collector *observability.Collector, store dlq.Store, manager *dlq.Manager, sink alerting.Sink, h *handler.Handler) *Container {
	collector.Gauge(observability.MetricDLQPendingItems, func() float64 {
		n, err := manager.PendingCount(context.Background())
		if err != nil {
			return -1
		}
		return float64(n)
	})
	return &Container{
		Config:     cfg,
		Logger:     logger,
		Classifier: classifier,
		Metrics:    collector,
		Store:      store,
		DLQ:        manager,
		Alerts:     sink,
		Handler:    h,
	}
}
