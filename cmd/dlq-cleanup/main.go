// The dlq-cleanup Lambda runs the DLQ retention purge on a schedule
// (EventBridge scheduled rule). It shares the worker's container wiring but
// never starts the background loop.
package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"resilience-core/internal/config"
	"resilience-core/internal/di"
)

var container *di.Container

func init() {
	cfg := config.MustLoad(os.Getenv("CONFIG_PATH"))

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	container, err = di.NewContainer(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to build container: %v", err)
	}
}

// CleanupResult is the Lambda response payload.
type CleanupResult struct {
	Removed int `json:"removed"`
}

func handleRequest(ctx context.Context) (CleanupResult, error) {
	removed, err := container.DLQ.Cleanup(ctx)
	if err != nil {
		container.Logger.Error("dlq cleanup failed", zap.Error(err))
		return CleanupResult{}, err
	}
	container.Logger.Info("dlq cleanup finished", zap.Int("removed", removed))
	return CleanupResult{Removed: removed}, nil
}

func main() {
	lambda.Start(handleRequest)
}
