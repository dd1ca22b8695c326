package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, Development, cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.DLQ.UseMemoryStore)
	assert.Equal(t, 30*time.Second, cfg.DLQ.ProcessingInterval)
	assert.Equal(t, 3, cfg.Handler.DLQPriorityThreshold)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown environment", func(c *Config) { c.Environment = "qa" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"missing table name", func(c *Config) { c.DLQ.TableName = "" }},
		{"priority threshold out of range", func(c *Config) { c.Handler.DLQPriorityThreshold = 9 }},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
environment: production
server:
  port: 9090
logging:
  level: warn
  format: console
dlq:
  processingInterval: 10s
  tableName: resilience-dlq-prod
  useMemoryStore: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Production, cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.DLQ.ProcessingInterval)
	assert.Equal(t, "resilience-dlq-prod", cfg.DLQ.TableName)
	assert.False(t, cfg.DLQ.UseMemoryStore)

	// Values the file does not mention keep their defaults.
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.True(t, cfg.Handler.EnableRetry)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: staging\nserver:\n  port: 9090\n"), 0o600))

	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DLQ_TABLE_NAME", "resilience-dlq-env")
	t.Setenv("ENABLE_ALERTS", "false")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Staging, cfg.Environment)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "resilience-dlq-env", cfg.DLQ.TableName)
	assert.False(t, cfg.Handler.EnableAlerts)
	assert.True(t, cfg.Tracing.Enabled)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Development, cfg.Environment)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidResultFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: qa\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: development\n"), 0o600))

	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnChange(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("environment: staging\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, Staging, cfg.Environment)
		assert.Equal(t, Staging, w.Current().Environment)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload did not fire")
	}
}

func TestWatcher_KeepsPreviousConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: development\n"), 0o600))

	initial, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("environment: qa\n"), 0o600))

	// Give the debounced reload time to run and be rejected.
	time.Sleep(time.Second)
	assert.Equal(t, Development, w.Current().Environment)
}

func TestWatcher_EmptyPathDisablesWatching(t *testing.T) {
	w, err := NewWatcher("", Default(), nil)
	require.NoError(t, err)
	defer w.Stop()
	assert.Equal(t, Development, w.Current().Environment)
}
