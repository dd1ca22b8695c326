//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"resilience-core/internal/config"
)

// InitializeLocalContainer builds the memory-backed container via Wire.
func InitializeLocalContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	wire.Build(LocalSet)
	return nil, nil
}
