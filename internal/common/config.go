package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Storage      StorageConfig      `yaml:"storage"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Extraction   ExtractionConfig   `yaml:"extraction"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Paths        PathsConfig        `yaml:"paths"`
	Progress     ProgressConfig     `yaml:"progress"`
	NATS         NATSConfig         `yaml:"nats"`
	Server       ServerConfig       `yaml:"server"`
	Scoring      ScoringConfig      `yaml:"scoring"`
	Log          LogConfig          `yaml:"log"`
}

// DatabaseConfig holds ledger connection configuration
type DatabaseConfig struct {
	Driver           string        `yaml:"driver"` // postgres | sqlite
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// StorageConfig selects and configures the object store holding source documents
type StorageConfig struct {
	Backend   string `yaml:"backend"` // fs | s3
	Root      string `yaml:"root"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseTLS    bool   `yaml:"use_tls"`
}

// RetrievalConfig bounds source downloads
type RetrievalConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	MaxObjectBytes int64         `yaml:"max_object_bytes"`
	TempDir        string        `yaml:"temp_dir"`
}

// ExtractionConfig describes the external text converter
type ExtractionConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
	MemoryLimit    int64         `yaml:"memory_limit"` // 0 leaves the runtime limit untouched
}

// SchedulerConfig holds tick parameters
type SchedulerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	LockLease    time.Duration `yaml:"lock_lease"`
	LockName     string        `yaml:"lock_name"`
	WorkerID     string        `yaml:"worker_id"`
	TickSchedule string        `yaml:"tick_schedule"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// HousekeepingConfig holds retention windows and health thresholds
type HousekeepingConfig struct {
	ProgressTTL          time.Duration `yaml:"progress_ttl"`
	OperatorLogRetention time.Duration `yaml:"operator_log_retention"`
	RunRetention         time.Duration `yaml:"run_retention"`
	JobRetention         time.Duration `yaml:"job_retention"`
	StuckRunningAfter    time.Duration `yaml:"stuck_running_after"`
	BacklogMaxAge        time.Duration `yaml:"backlog_max_age"`
	BacklogMaxCount      int           `yaml:"backlog_max_count"`
	HeartbeatMaxAge      time.Duration `yaml:"heartbeat_max_age"`
	Schedule             string        `yaml:"schedule"`
	HealthSchedule       string        `yaml:"health_schedule"`
}

// PathsConfig holds on-disk locations for operator-facing files
type PathsConfig struct {
	OperatorLogDir string `yaml:"operator_log_dir"`
	HealthFile     string `yaml:"health_file"`
	EventLog       string `yaml:"event_log"`
}

// ProgressConfig selects the snapshot store
type ProgressConfig struct {
	Backend string `yaml:"backend"` // memory | nats
}

// NATSConfig holds NATS connection details for progress KV and events
type NATSConfig struct {
	URL           string `yaml:"url"`
	ProgressKV    string `yaml:"progress_kv"`
	EventsPrefix  string `yaml:"events_prefix"`
	PublishEvents bool   `yaml:"publish_events"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// ScoringConfig points at an optional rule-set override
type ScoringConfig struct {
	RulesFile string `yaml:"rules_file"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:validator.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "fs",
			Root:    "./data/objects",
			Region:  "us-east-1",
			UseTLS:  true,
		},
		Retrieval: RetrievalConfig{
			MaxAttempts:    3,
			BackoffBase:    time.Second,
			MaxObjectBytes: 50 << 20,
		},
		Extraction: ExtractionConfig{
			Command:        "pdftotext",
			Args:           []string{"-layout", "-enc", "UTF-8", "{input}", "{output}"},
			Timeout:        120 * time.Second,
			MaxOutputBytes: 16 << 20,
		},
		Scheduler: SchedulerConfig{
			BatchSize:    10,
			LockTimeout:  2 * time.Second,
			LockLease:    15 * time.Minute,
			LockName:     "specsheet-validator.scheduler",
			TickSchedule: "@every 1m",
			MaxAttempts:  3,
		},
		Housekeeping: HousekeepingConfig{
			ProgressTTL:          48 * time.Hour,
			OperatorLogRetention: 30 * 24 * time.Hour,
			RunRetention:         90 * 24 * time.Hour,
			JobRetention:         90 * 24 * time.Hour,
			StuckRunningAfter:    30 * time.Minute,
			BacklogMaxAge:        15 * time.Minute,
			BacklogMaxCount:      10,
			HeartbeatMaxAge:      10 * time.Minute,
			Schedule:             "@every 1h",
			HealthSchedule:       "@every 5m",
		},
		Paths: PathsConfig{
			OperatorLogDir: "./data/logs/jobs",
			HealthFile:     "./data/logs/health.log",
			EventLog:       "./data/logs/events.jsonl",
		},
		Progress: ProgressConfig{Backend: "memory"},
		NATS: NATSConfig{
			URL:          "nats://localhost:4222",
			ProgressKV:   "validator-progress",
			EventsPrefix: "validator.events",
		},
		Server: ServerConfig{
			GRPCAddr: ":8080",
			HTTPAddr: ":8081",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file, an optional
// .env file and finally the process environment (highest precedence).
func LoadConfig(yamlPath, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if yamlPath != "" {
		raw, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg.applyEnv()
	if cfg.Scheduler.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.Scheduler.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime)
	c.Database.MaxConnIdleTime = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime)
	c.Database.DialTimeout = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout)
	c.Database.StatementTimeout = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout)

	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Root = getEnv("STORAGE_ROOT", c.Storage.Root)
	c.Storage.Endpoint = getEnv("S3_ENDPOINT", c.Storage.Endpoint)
	c.Storage.Bucket = getEnv("S3_BUCKET", c.Storage.Bucket)
	c.Storage.AccessKey = getEnv("S3_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnv("S3_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Region = getEnv("S3_REGION", c.Storage.Region)
	c.Storage.UseTLS = getEnvAsBool("S3_USE_TLS", c.Storage.UseTLS)

	c.Retrieval.MaxAttempts = getEnvAsInt("RETRIEVAL_MAX_ATTEMPTS", c.Retrieval.MaxAttempts)
	c.Retrieval.BackoffBase = getEnvAsDuration("RETRIEVAL_BACKOFF_BASE", c.Retrieval.BackoffBase)
	c.Retrieval.MaxObjectBytes = getEnvAsInt64("RETRIEVAL_MAX_OBJECT_BYTES", c.Retrieval.MaxObjectBytes)
	c.Retrieval.TempDir = getEnv("RETRIEVAL_TEMP_DIR", c.Retrieval.TempDir)

	c.Extraction.Command = getEnv("EXTRACTOR_COMMAND", c.Extraction.Command)
	if v := os.Getenv("EXTRACTOR_ARGS"); v != "" {
		c.Extraction.Args = strings.Fields(v)
	}
	c.Extraction.Timeout = getEnvAsDuration("EXTRACTOR_TIMEOUT", c.Extraction.Timeout)
	c.Extraction.MemoryLimit = getEnvAsInt64("EXTRACTOR_MEMORY_LIMIT", c.Extraction.MemoryLimit)

	c.Scheduler.BatchSize = getEnvAsInt("SCHEDULER_BATCH_SIZE", c.Scheduler.BatchSize)
	c.Scheduler.LockTimeout = getEnvAsDuration("SCHEDULER_LOCK_TIMEOUT", c.Scheduler.LockTimeout)
	c.Scheduler.WorkerID = getEnv("WORKER_ID", c.Scheduler.WorkerID)
	c.Scheduler.TickSchedule = getEnv("SCHEDULER_TICK_SCHEDULE", c.Scheduler.TickSchedule)
	c.Scheduler.MaxAttempts = getEnvAsInt("JOB_MAX_ATTEMPTS", c.Scheduler.MaxAttempts)

	c.Housekeeping.ProgressTTL = getEnvAsDuration("PROGRESS_TTL", c.Housekeeping.ProgressTTL)
	c.Housekeeping.OperatorLogRetention = getEnvAsDuration("OPERATOR_LOG_RETENTION", c.Housekeeping.OperatorLogRetention)
	c.Housekeeping.RunRetention = getEnvAsDuration("RUN_RETENTION", c.Housekeeping.RunRetention)
	c.Housekeeping.JobRetention = getEnvAsDuration("JOB_RETENTION", c.Housekeeping.JobRetention)

	c.Paths.OperatorLogDir = getEnv("OPERATOR_LOG_DIR", c.Paths.OperatorLogDir)
	c.Paths.HealthFile = getEnv("HEALTH_FILE", c.Paths.HealthFile)
	c.Paths.EventLog = getEnv("EVENT_LOG", c.Paths.EventLog)

	c.Progress.Backend = getEnv("PROGRESS_BACKEND", c.Progress.Backend)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.PublishEvents = getEnvAsBool("NATS_PUBLISH_EVENTS", c.NATS.PublishEvents)

	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Scoring.RulesFile = getEnv("SCORING_RULES_FILE", c.Scoring.RulesFile)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown DB_DRIVER %q", c.Database.Driver), ErrInvalidInput)
	}
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Root == "" {
			return NewAppError("CONFIG_ERROR", "STORAGE_ROOT is required for fs storage", ErrInvalidInput)
		}
	case "s3":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return NewAppError("CONFIG_ERROR", "S3_ENDPOINT and S3_BUCKET are required for s3 storage", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown STORAGE_BACKEND %q", c.Storage.Backend), ErrInvalidInput)
	}
	switch c.Progress.Backend {
	case "memory", "nats":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown PROGRESS_BACKEND %q", c.Progress.Backend), ErrInvalidInput)
	}
	if c.Extraction.Command == "" {
		return NewAppError("CONFIG_ERROR", "EXTRACTOR_COMMAND is required", ErrInvalidInput)
	}
	if c.Scheduler.BatchSize <= 0 {
		return NewAppError("CONFIG_ERROR", "SCHEDULER_BATCH_SIZE must be positive", ErrInvalidInput)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "JOB_MAX_ATTEMPTS must be positive", ErrInvalidInput)
	}
	return nil
}
