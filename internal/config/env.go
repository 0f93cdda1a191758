// Package config loads process configuration from the environment,
// generalizing the teacher's FromEnv (internal/config/env.go): same
// getEnv/parseInt/parseBool/parseDuration helpers and per-concern grouped
// structs, rebuilt around the plan pipeline's collaborators (queue,
// coordinator, blob store, event log, compute container) instead of the
// AI-dispatch provider/worker settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom event-log configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
	BatchSize     int
}

// QueueConfig defines Redis Streams connectivity shared by all five stages.
type QueueConfig struct {
	RedisURL      string
	ConsumerGroup string
	PollInterval  time.Duration
}

// CoordinatorConfig defines the per-plan state store and default deadline.
type CoordinatorConfig struct {
	RedisURL       string
	DefaultTimeout time.Duration
}

// BlobConfig defines the S3 bucket sheet images/tiles/source PDFs live in.
type BlobConfig struct {
	Bucket string
}

// ContainerConfig defines how to reach the compute container that owns
// PDF rasterization, metadata extraction, callout/layout detection, and
// tile generation.
type ContainerConfig struct {
	BaseURL string
}

// WorkerConfig defines stage-worker concurrency and retry behavior, shared
// across the five stage runners.
type WorkerConfig struct {
	Concurrency    int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	TilesMinZoom   int
	TilesMaxZoom   int
}

// HTTPConfig defines the intake and admin HTTP surfaces' listen addresses.
type HTTPConfig struct {
	OrchestratorAddr string
	CoordinatorAddr  string
	MetricsAddr      string
}

// Config is the top-level process configuration.
type Config struct {
	Logging     LoggingConfig
	Axiom       AxiomConfig
	Queue       QueueConfig
	Coordinator CoordinatorConfig
	Blob        BlobConfig
	Container   ContainerConfig
	Worker      WorkerConfig
	HTTP        HTTPConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/planpipeline.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_EVENTS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_planpipeline_events",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "2s"), 2*time.Second),
		BatchSize:     parseInt(getEnv("AXIOM_BATCH_SIZE", "50"), 50),
	}

	cfg.Queue = QueueConfig{
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		ConsumerGroup: getEnv("QUEUE_CONSUMER_GROUP", "planpipeline-workers"),
		PollInterval:  parseDuration(getEnv("QUEUE_POLL_INTERVAL", "100ms"), 100*time.Millisecond),
	}

	cfg.Coordinator = CoordinatorConfig{
		RedisURL:       getEnv("COORDINATOR_REDIS_URL", cfg.Queue.RedisURL),
		DefaultTimeout: parseDuration(getEnv("PLAN_DEFAULT_TIMEOUT", "30m"), 30*time.Minute),
	}

	cfg.Blob = BlobConfig{
		Bucket: getEnv("PLANS_S3_BUCKET", "plan-pipeline-dev"),
	}

	cfg.Container = ContainerConfig{
		BaseURL: getEnv("CONTAINER_BASE_URL", "http://localhost:9000"),
	}

	cfg.Worker = WorkerConfig{
		Concurrency:    parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		MaxAttempts:    parseInt(getEnv("JOB_MAX_ATTEMPTS", "5"), 5),
		RetryBaseDelay: parseDuration(getEnv("RETRY_BASE_DELAY", "2s"), 2*time.Second),
		RetryMaxDelay:  parseDuration(getEnv("RETRY_MAX_DELAY", "2m"), 2*time.Minute),
		TilesMinZoom:   parseInt(getEnv("TILES_MIN_ZOOM", "0"), 0),
		TilesMaxZoom:   parseInt(getEnv("TILES_MAX_ZOOM", "6"), 6),
	}

	cfg.HTTP = HTTPConfig{
		OrchestratorAddr: getEnv("ORCHESTRATOR_ADDR", ":8080"),
		CoordinatorAddr:  getEnv("COORDINATOR_ADDR", ":8081"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9090"),
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
