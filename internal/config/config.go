// Package config loads and validates the service configuration from YAML
// files with environment variable overrides, and hot-reloads it in
// development.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete service configuration.
type Config struct {
	Environment Environment `yaml:"environment" validate:"required,oneof=development staging production"`

	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Handler Handler `yaml:"handler"`
	Breaker Breaker `yaml:"circuitBreaker"`
	DLQ     DLQ     `yaml:"dlq"`
	AWS     AWS     `yaml:"aws"`
	Tracing Tracing `yaml:"tracing"`
}

// Server configures the operational HTTP listener.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Handler holds the error handler toggles.
type Handler struct {
	EnableRetry           bool `yaml:"enableRetry"`
	EnableCircuitBreakers bool `yaml:"enableCircuitBreakers"`
	EnableDLQ             bool `yaml:"enableDlq"`
	EnableAlerts          bool `yaml:"enableAlerts"`
	DLQPriorityThreshold  int  `yaml:"dlqPriorityThreshold" validate:"gte=1,lte=5"`
}

// Breaker holds the default circuit breaker tuning.
type Breaker struct {
	FailureThreshold int           `yaml:"failureThreshold" validate:"gt=0"`
	SuccessThreshold int           `yaml:"successThreshold" validate:"gt=0"`
	Timeout          time.Duration `yaml:"timeout"`
	ResetTimeout     time.Duration `yaml:"resetTimeout" validate:"gt=0"`
}

// DLQ configures the dead letter queue manager and its store.
type DLQ struct {
	ProcessingInterval time.Duration `yaml:"processingInterval" validate:"gt=0"`
	BatchSize          int           `yaml:"batchSize" validate:"gt=0"`
	Concurrency        int           `yaml:"concurrency" validate:"gt=0"`
	RetentionPeriod    time.Duration `yaml:"retentionPeriod" validate:"gt=0"`
	TableName          string        `yaml:"tableName" validate:"required"`
	UseMemoryStore     bool          `yaml:"useMemoryStore"`
}

// AWS configures the SDK clients.
type AWS struct {
	Region       string `yaml:"region"`
	EventBusName string `yaml:"eventBusName"`
	Endpoint     string `yaml:"endpoint"`
}

// Tracing configures the OTLP trace exporter.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"serviceName"`
	SampleRate  float64 `yaml:"sampleRate" validate:"gte=0,lte=1"`
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Handler: Handler{
			EnableRetry:           true,
			EnableCircuitBreakers: true,
			EnableDLQ:             true,
			EnableAlerts:          true,
			DLQPriorityThreshold:  3,
		},
		Breaker: Breaker{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			ResetTimeout:     60 * time.Second,
		},
		DLQ: DLQ{
			ProcessingInterval: 30 * time.Second,
			BatchSize:          50,
			Concurrency:        3,
			RetentionPeriod:    7 * 24 * time.Hour,
			TableName:          "resilience-dlq-development",
			UseMemoryStore:     true,
		},
		AWS: AWS{
			Region: "us-east-1",
		},
		Tracing: Tracing{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "resilience-core",
			SampleRate:  0.1,
		},
	}
}
