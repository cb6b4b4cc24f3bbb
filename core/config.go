package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration, assembled once at startup and
// injected into each subsystem. Environment variables take precedence over
// the optional YAML file; constructor defaults fill the rest.
type Config struct {
	ServiceName string `yaml:"service_name"`
	HTTPAddr    string `yaml:"http_addr"`

	// Cache substrate (shared handle: index cache, queue, pub/sub)
	RedisURL       string `yaml:"redis_url"`
	RedisNamespace string `yaml:"redis_namespace"`

	// Relational store
	PostgresDSN string `yaml:"postgres_dsn"`

	// Backpressure thresholds (pending jobs)
	QueueWarningThreshold  int64 `yaml:"queue_warning_threshold"`
	QueueCriticalThreshold int64 `yaml:"queue_critical_threshold"`
	QueueRecoveryThreshold int64 `yaml:"queue_recovery_threshold"`
	EnableBackpressure     bool  `yaml:"enable_backpressure"`

	// Enqueue defaults
	DefaultEventPriority int `yaml:"default_event_priority"`

	// Queue behavior
	QueueName          string        `yaml:"queue_name"`
	JobAttempts        int           `yaml:"job_attempts"`
	BackoffBaseDelay   time.Duration `yaml:"backoff_base_delay"`
	RemoveOnComplete   int64         `yaml:"remove_on_complete"`
	RemoveOnFail       int64         `yaml:"remove_on_fail"`
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	MaxStalls          int           `yaml:"max_stalls"`
	WorkerConcurrency  int           `yaml:"worker_concurrency"`

	// Per-chain circuit breaker
	ChainFailureThreshold int           `yaml:"chain_failure_threshold"`
	ChainRecoveryTimeout  time.Duration `yaml:"chain_recovery_timeout"`

	// Timeouts per operation class
	DataCollectionTimeout time.Duration `yaml:"data_collection_timeout"`
	RuleChainTimeout      time.Duration `yaml:"rule_chain_timeout"`
	WorkerTimeout         time.Duration `yaml:"worker_timeout"`
	ExternalActionTimeout time.Duration `yaml:"external_action_timeout"`

	// Caches
	IndexTTL          time.Duration `yaml:"index_ttl"`
	CollectorCacheTTL time.Duration `yaml:"collector_cache_ttl"`
	CollectorCacheSize int          `yaml:"collector_cache_size"`

	// Schedule manager
	ScheduleSyncInterval time.Duration `yaml:"schedule_sync_interval"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "rule-engine",
		HTTPAddr:    ":8080",

		RedisURL:       "redis://localhost:6379",
		RedisNamespace: "rule-engine",
		PostgresDSN:    "postgres://localhost:5432/sensorgrid?sslmode=disable",

		QueueWarningThreshold:  10_000,
		QueueCriticalThreshold: 50_000,
		QueueRecoveryThreshold: 5_000,
		EnableBackpressure:     true,

		DefaultEventPriority: PriorityDefault,

		QueueName:         "rule-engine-events",
		JobAttempts:       3,
		BackoffBaseDelay:  500 * time.Millisecond,
		RemoveOnComplete:  1000,
		RemoveOnFail:      5000,
		LeaseDuration:     30 * time.Second,
		MaxStalls:         2,
		WorkerConcurrency: 20,

		ChainFailureThreshold: 5,
		ChainRecoveryTimeout:  60 * time.Second,

		DataCollectionTimeout: 10 * time.Second,
		RuleChainTimeout:      30 * time.Second,
		WorkerTimeout:         60 * time.Second,
		ExternalActionTimeout: 15 * time.Second,

		IndexTTL:           3600 * time.Second,
		CollectorCacheTTL:  5 * time.Second,
		CollectorCacheSize: 4096,

		ScheduleSyncInterval: 2 * time.Minute,
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// (RULE_ENGINE_CONFIG_FILE), and the environment, in that order.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("RULE_ENGINE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %v: %w", path, err, ErrInvalidArgument)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ServiceName, "RULE_ENGINE_SERVICE_NAME")
	setString(&c.HTTPAddr, "RULE_ENGINE_HTTP_ADDR")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.RedisNamespace, "REDIS_NAMESPACE")
	setString(&c.PostgresDSN, "POSTGRES_DSN")
	setString(&c.QueueName, "RULE_ENGINE_QUEUE_NAME")

	setInt64(&c.QueueWarningThreshold, "QUEUE_WARNING_THRESHOLD")
	setInt64(&c.QueueCriticalThreshold, "QUEUE_CRITICAL_THRESHOLD")
	setInt64(&c.QueueRecoveryThreshold, "QUEUE_RECOVERY_THRESHOLD")
	setBool(&c.EnableBackpressure, "ENABLE_BACKPRESSURE")
	setInt(&c.DefaultEventPriority, "DEFAULT_EVENT_PRIORITY")
	setInt(&c.WorkerConcurrency, "RULE_ENGINE_WORKER_CONCURRENCY")
	setInt(&c.JobAttempts, "RULE_ENGINE_JOB_ATTEMPTS")
	setInt(&c.MaxStalls, "RULE_ENGINE_MAX_STALLS")
	setInt(&c.ChainFailureThreshold, "RULE_ENGINE_CHAIN_FAILURE_THRESHOLD")
	setInt(&c.CollectorCacheSize, "RULE_ENGINE_COLLECTOR_CACHE_SIZE")

	setDuration(&c.BackoffBaseDelay, "RULE_ENGINE_BACKOFF_BASE_DELAY")
	setDuration(&c.LeaseDuration, "RULE_ENGINE_LEASE_DURATION")
	setDuration(&c.ChainRecoveryTimeout, "RULE_ENGINE_CHAIN_RECOVERY_TIMEOUT")
	setDuration(&c.DataCollectionTimeout, "RULE_ENGINE_DATA_COLLECTION_TIMEOUT")
	setDuration(&c.RuleChainTimeout, "RULE_ENGINE_RULE_CHAIN_TIMEOUT")
	setDuration(&c.WorkerTimeout, "RULE_ENGINE_WORKER_TIMEOUT")
	setDuration(&c.ExternalActionTimeout, "RULE_ENGINE_EXTERNAL_ACTION_TIMEOUT")
	setDuration(&c.IndexTTL, "RULE_ENGINE_INDEX_TTL")
	setDuration(&c.CollectorCacheTTL, "RULE_ENGINE_COLLECTOR_CACHE_TTL")
	setDuration(&c.ScheduleSyncInterval, "RULE_ENGINE_SCHEDULE_SYNC_INTERVAL")
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.QueueCriticalThreshold <= c.QueueWarningThreshold {
		return fmt.Errorf("critical threshold %d must exceed warning threshold %d: %w",
			c.QueueCriticalThreshold, c.QueueWarningThreshold, ErrInvalidArgument)
	}
	if c.QueueRecoveryThreshold >= c.QueueWarningThreshold {
		return fmt.Errorf("recovery threshold %d must be below warning threshold %d: %w",
			c.QueueRecoveryThreshold, c.QueueWarningThreshold, ErrInvalidArgument)
	}
	if c.DefaultEventPriority < PriorityHighest || c.DefaultEventPriority > PriorityLowest {
		return fmt.Errorf("default priority %d out of range: %w", c.DefaultEventPriority, ErrInvalidArgument)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1: %w", ErrInvalidArgument)
	}
	if c.ChainFailureThreshold < 1 {
		return fmt.Errorf("chain failure threshold must be at least 1: %w", ErrInvalidArgument)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
