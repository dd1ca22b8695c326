package di

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"

	"resilience-core/internal/config"
)

// AWSClients holds the initialized AWS service clients.
type AWSClients struct {
	DynamoDB    *dynamodb.Client
	EventBridge *eventbridge.Client
}

// InitAWSClients loads the default AWS configuration and builds the service
// clients. A non-empty cfg.AWS.Endpoint redirects both clients, for
// localstack development.
func InitAWSClients(ctx context.Context, cfg *config.Config) (*AWSClients, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWS.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.AWS.Endpoint
	return &AWSClients{
		DynamoDB: dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			o.RetryMaxAttempts = 3
			if endpoint != "" {
				o.BaseEndpoint = &endpoint
			}
		}),
		EventBridge: eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
			o.RetryMaxAttempts = 3
			if endpoint != "" {
				o.BaseEndpoint = &endpoint
			}
		}),
	}, nil
}
