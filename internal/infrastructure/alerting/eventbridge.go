package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

const alertSource = "resilience-core"

// EventBridgeSink publishes alerts to an AWS EventBridge bus so downstream
// rules can fan out to pagers, ticketing, or on-call channels.
type EventBridgeSink struct {
	client       *eventbridge.Client
	eventBusName string
	logger       *zap.Logger
}

// NewEventBridgeSink creates a sink publishing to the named event bus.
func NewEventBridgeSink(client *eventbridge.Client, eventBusName string, logger *zap.Logger) *EventBridgeSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBridgeSink{
		client:       client,
		eventBusName: eventBusName,
		logger:       logger.Named("alerts_eventbridge"),
	}
}

// Send publishes one alert event. DetailType distinguishes escalations from
// plain alerts so bus rules can route them separately.
func (s *EventBridgeSink) Send(ctx context.Context, alert Alert) error {
	detail, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	detailType := "error.alert"
	if alert.Escalation {
		detailType = "error.escalation"
	}

	entry := types.PutEventsRequestEntry{
		EventBusName: aws.String(s.eventBusName),
		Source:       aws.String(alertSource),
		DetailType:   aws.String(detailType),
		Detail:       aws.String(string(detail)),
		Time:         aws.Time(time.Now().UTC()),
	}

	result, err := s.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{entry},
	})
	if err != nil {
		return fmt.Errorf("publish alert to eventbridge: %w", err)
	}
	if result.FailedEntryCount > 0 {
		for _, e := range result.Entries {
			if e.ErrorCode != nil {
				s.logger.Error("alert entry rejected",
					zap.String("errorCode", aws.ToString(e.ErrorCode)),
					zap.String("errorMessage", aws.ToString(e.ErrorMessage)),
				)
			}
		}
		return fmt.Errorf("%d alert entries failed to publish", result.FailedEntryCount)
	}

	s.logger.Debug("alert published",
		zap.String("eventBus", s.eventBusName),
		zap.String("detailType", detailType),
	)
	return nil
}
