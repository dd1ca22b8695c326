package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration from, in ascending priority: defaults, the
// YAML file at path (skipped when empty or missing), and environment
// variables. The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad loads the configuration and panics on error. For main() only.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables, the highest-priority source.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = Environment(v)
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DLQ_TABLE_NAME"); v != "" {
		cfg.DLQ.TableName = v
	}
	if v := os.Getenv("DLQ_PROCESSING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DLQ.ProcessingInterval = d
		}
	}
	if v := os.Getenv("DLQ_USE_MEMORY_STORE"); v != "" {
		cfg.DLQ.UseMemoryStore = parseBool(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("EVENT_BUS_NAME"); v != "" {
		cfg.AWS.EventBusName = v
	}
	if v := os.Getenv("AWS_ENDPOINT"); v != "" {
		cfg.AWS.Endpoint = v
	}
	if v := os.Getenv("ENABLE_RETRY"); v != "" {
		cfg.Handler.EnableRetry = parseBool(v)
	}
	if v := os.Getenv("ENABLE_CIRCUIT_BREAKERS"); v != "" {
		cfg.Handler.EnableCircuitBreakers = parseBool(v)
	}
	if v := os.Getenv("ENABLE_DLQ"); v != "" {
		cfg.Handler.EnableDLQ = parseBool(v)
	}
	if v := os.Getenv("ENABLE_ALERTS"); v != "" {
		cfg.Handler.EnableAlerts = parseBool(v)
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func parseBool(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}
