package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Scheduler.BatchSize)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 3, cfg.Retrieval.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retrieval.BackoffBase)
	assert.Equal(t, 120*time.Second, cfg.Extraction.Timeout)
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "validator.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
database:
  driver: postgres
  dsn: postgres://yaml/db
scheduler:
  batch_size: 4
  lock_timeout: 500ms
housekeeping:
  progress_ttl: 24h
`), 0o644))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("SCHEDULER_BATCH_SIZE=7\nEXTRACTOR_ARGS=-enc UTF-8 {input} {output}\n"), 0o644))

	t.Setenv("DB_URL", "postgres://env/db")
	t.Setenv("WORKER_ID", "worker-a")
	// godotenv sets these for the whole process.
	for _, k := range []string{"SCHEDULER_BATCH_SIZE", "EXTRACTOR_ARGS"} {
		require.NoError(t, os.Unsetenv(k))
		t.Cleanup(func() { _ = os.Unsetenv(k) })
	}

	cfg, err := LoadConfig(yamlPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
	assert.Equal(t, 7, cfg.Scheduler.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.LockTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Housekeeping.ProgressTTL)
	assert.Equal(t, "worker-a", cfg.Scheduler.WorkerID)
	assert.Equal(t, []string{"-enc", "UTF-8", "{input}", "{output}"}, cfg.Extraction.Args)
	assert.Equal(t, 30*24*time.Hour, cfg.Housekeeping.OperatorLogRetention)
}

func TestLoadConfig_MissingEnvFileIsIgnored(t *testing.T) {
	cfg, err := LoadConfig("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Scheduler.WorkerID)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3"; c.Storage.Endpoint = "minio:9000" }},
		{"unknown progress backend", func(c *Config) { c.Progress.Backend = "redis" }},
		{"zero batch", func(c *Config) { c.Scheduler.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			var appErr *AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "CONFIG_ERROR", appErr.Code)
		})
	}
}
