package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"resilience-core/internal/dlq"
)

// StoreBreakerConfig tunes the breaker guarding the durable store.
type StoreBreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultStoreBreakerConfig returns defaults tolerant of transient DynamoDB
// throttling but firm against a down table.
func DefaultStoreBreakerConfig(name string) StoreBreakerConfig {
	return StoreBreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// BreakerStore decorates a dlq.Store with a failure-rate circuit breaker so
// a degraded backing table sheds load instead of stalling every DLQ pass.
// Not-found lookups do not count as breaker failures.
type BreakerStore struct {
	inner   dlq.Store
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerStore wraps the store with a breaker built from the config.
func NewBreakerStore(inner dlq.Store, config StoreBreakerConfig, logger *zap.Logger) *BreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("store_breaker")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, dlq.ErrItemNotFound)
		},
	})

	return &BreakerStore{inner: inner, breaker: cb, logger: log}
}

func (s *BreakerStore) CreateItem(ctx context.Context, item *dlq.Item) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.CreateItem(ctx, item)
	})
	return err
}

func (s *BreakerStore) GetItem(ctx context.Context, id string) (*dlq.Item, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.GetItem(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*dlq.Item), nil
}

func (s *BreakerStore) UpdateItem(ctx context.Context, item *dlq.Item) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.UpdateItem(ctx, item)
	})
	return err
}

func (s *BreakerStore) DeleteItem(ctx context.Context, id string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.DeleteItem(ctx, id)
	})
	return err
}

func (s *BreakerStore) QueryItems(ctx context.Context, q dlq.Query) ([]*dlq.Item, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.QueryItems(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*dlq.Item), nil
}

func (s *BreakerStore) ListItems(ctx context.Context) ([]*dlq.Item, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.ListItems(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*dlq.Item), nil
}

func (s *BreakerStore) PurgeOlderThan(ctx context.Context, statuses []dlq.Status, cutoff time.Time) (int, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.PurgeOlderThan(ctx, statuses, cutoff)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *BreakerStore) InsertPointer(ctx context.Context, itemID string, p dlq.Priority) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.InsertPointer(ctx, itemID, p)
	})
	return err
}

func (s *BreakerStore) RemovePointer(ctx context.Context, itemID string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.RemovePointer(ctx, itemID)
	})
	return err
}

// State exposes the breaker state for the stats endpoint.
func (s *BreakerStore) State() gobreaker.State {
	return s.breaker.State()
}
