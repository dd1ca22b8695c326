// Package di wires the resilience core's components together. The container
// is explicit: every construction error is returned immediately rather than
// deferred to first use.
package di

import (
	"context"
	"fmt"

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

// Container holds every constructed component of the service.
type Container struct {
	Config     *config.Config
	Logger     *zap.Logger
	Classifier *apperrors.Classifier
	Metrics    *observability.Collector
	Store      dlq.Store
	DLQ        *dlq.Manager
	Alerts     alerting.Sink
	Handler    *handler.Handler

	aws *AWSClients
}

// NewContainer builds the full component graph from configuration.
func NewContainer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("container requires a config")
	}
	if logger == nil {
		return nil, fmt.Errorf("container requires a logger")
	}

	c := &Container{
		Config:     cfg,
		Logger:     logger,
		Classifier: apperrors.NewClassifier(),
		Metrics:    observability.NewCollector("resilience"),
	}

	// AWS clients are only needed for the durable store and the
	// EventBridge alert sink.
	needsAWS := !cfg.DLQ.UseMemoryStore || cfg.AWS.EventBusName != ""
	if needsAWS {
		clients, err := InitAWSClients(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.aws = clients
	}

	store, err := c.buildStore()
	if err != nil {
		return nil, err
	}
	c.Store = store

	manager, err := dlq.NewManager(store, c.Classifier, c.Metrics, logger, dlq.ManagerConfig{
		ProcessingInterval: cfg.DLQ.ProcessingInterval,
		BatchSize:          cfg.DLQ.BatchSize,
		Concurrency:        cfg.DLQ.Concurrency,
		RetentionPeriod:    cfg.DLQ.RetentionPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("build dlq manager: %w", err)
	}
	c.DLQ = manager

	// Queue depth is sampled at scrape time; negative marks an unreadable
	// store.
	c.Metrics.Gauge(observability.MetricDLQPendingItems, func() float64 {
		n, err := manager.PendingCount(context.Background())
		if err != nil {
			return -1
		}
		return float64(n)
	})

	c.Alerts = c.buildAlertSink()

	h, err := handler.New(c.Classifier, c.DLQ, c.Alerts, c.Metrics, logger, handler.Config{
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
	})
	if err != nil {
		return nil, fmt.Errorf("build error handler: %w", err)
	}
	c.Handler = h

	return c, nil
}

// buildStore selects the in-memory or DynamoDB store, wrapping the durable
// one with the store-level circuit breaker.
func (c *Container) buildStore() (dlq.Store, error) {
	if c.Config.DLQ.UseMemoryStore {
		return persistence.NewMemoryStore(), nil
	}
	dynamo, err := persistence.NewDynamoStore(c.aws.DynamoDB, persistence.DynamoStoreConfig{
		TableName:      c.Config.DLQ.TableName,
		ConsistentRead: true,
	}, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("build dynamo store: %w", err)
	}
	breakerCfg := persistence.DefaultStoreBreakerConfig("dlq-store")
	return persistence.NewBreakerStore(dynamo, breakerCfg, c.Logger), nil
}

// buildAlertSink prefers EventBridge when a bus is configured, falling back
// to the structured log sink.
func (c *Container) buildAlertSink() alerting.Sink {
	if c.aws != nil && c.Config.AWS.EventBusName != "" {
		return alerting.NewEventBridgeSink(c.aws.EventBridge, c.Config.AWS.EventBusName, c.Logger)
	}
	return alerting.NewLogSink(c.Logger)
}

// Start launches the background components.
func (c *Container) Start() {
	c.DLQ.Start()
}

// Shutdown stops background work and flushes the logger.
func (c *Container) Shutdown() {
	c.DLQ.Stop()
	_ = c.Logger.Sync()
}
