package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/transflow/transflow/pkg/types"
	"github.com/transflow/transflow/pkg/utils"
)

// Configuration represents the complete pipeline configuration
type Configuration struct {
	Global    GlobalConfig    `yaml:"global"`
	Cache     CacheConfig     `yaml:"cache"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Queue     QueueConfig     `yaml:"queue"`
	Workers   WorkerConfig    `yaml:"workers"`
	Processor ProcessorConfig `yaml:"processor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// CacheConfig represents the three-tier cache configuration
type CacheConfig struct {
	L1            L1Config      `yaml:"l1"`
	L2            L2Config      `yaml:"l2"`
	L3            L3Config      `yaml:"l3"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// L1Config represents the process-local memory tier
type L1Config struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    string        `yaml:"max_size"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// L2Config represents the shared Redis tier
type L2Config struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	TTL     time.Duration `yaml:"ttl"`
}

// L3Config represents the durable object-store tier
type L3Config struct {
	Enabled bool          `yaml:"enabled"`
	Bucket  string        `yaml:"bucket"`
	Region  string        `yaml:"region"`
	Prefix  string        `yaml:"prefix"`
	TTL     time.Duration `yaml:"ttl"`
}

// ChunkingConfig represents chunk boundary policy
type ChunkingConfig struct {
	MinChunkSize string `yaml:"min_chunk_size"`
	MaxChunkSize string `yaml:"max_chunk_size"`
}

// QueueConfig represents job queue settings
type QueueConfig struct {
	HighWeight   int           `yaml:"high_weight"`
	MediumWeight int           `yaml:"medium_weight"`
	LowWeight    int           `yaml:"low_weight"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	Retry        RetryConfig   `yaml:"retry"`
}

// RetryConfig represents retry and backoff settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// WorkerConfig represents worker pool settings
type WorkerConfig struct {
	Count             int `yaml:"count"`
	PerJobConcurrency int `yaml:"per_job_concurrency"`
	GlobalConcurrency int `yaml:"global_concurrency"`
}

// ProcessorConfig represents external processor client settings
type ProcessorConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxPayloadSize string        `yaml:"max_payload_size"`
	Retry          RetryConfig   `yaml:"retry"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig represents circuit breaker settings for the processor client
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenProbes   int           `yaml:"half_open_probes"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults. The 25MB payload
// limit mirrors the processing API's file-size ceiling; chunk sizes derive
// from it so a chunk always fits a single processor call with headroom.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
		Cache: CacheConfig{
			L1: L1Config{
				Enabled:    true,
				MaxSize:    "256MB",
				MaxEntries: 10000,
				TTL:        5 * time.Minute,
			},
			L2: L2Config{
				Enabled: true,
				URL:     "redis://localhost:6379/0",
				TTL:     1 * time.Hour,
			},
			L3: L3Config{
				Enabled: true,
				Bucket:  "transflow-results",
				Region:  "us-east-1",
				Prefix:  "chunks/",
				TTL:     720 * time.Hour,
			},
			DefaultTTL:    1 * time.Hour,
			SweepInterval: 1 * time.Minute,
		},
		Chunking: ChunkingConfig{
			MinChunkSize: "1MB",
			MaxChunkSize: "22MB", // 90% of the 25MB processor limit
		},
		Queue: QueueConfig{
			HighWeight:   5,
			MediumWeight: 3,
			LowWeight:    1,
			LeaseTimeout: 5 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
		},
		Workers: WorkerConfig{
			Count:             4,
			PerJobConcurrency: 4,
			GlobalConcurrency: 10,
		},
		Processor: ProcessorConfig{
			Timeout:        120 * time.Second,
			MaxPayloadSize: "25MB",
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				HalfOpenProbes:   2,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "transflow",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("TRANSFLOW_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("TRANSFLOW_REDIS_URL"); val != "" {
		c.Cache.L2.URL = val
	}
	if val := os.Getenv("TRANSFLOW_S3_BUCKET"); val != "" {
		c.Cache.L3.Bucket = val
	}
	if val := os.Getenv("TRANSFLOW_S3_REGION"); val != "" {
		c.Cache.L3.Region = val
	}
	if val := os.Getenv("TRANSFLOW_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.DefaultTTL = d
		}
	}
	if val := os.Getenv("TRANSFLOW_WORKER_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Workers.Count = n
		}
	}
	if val := os.Getenv("TRANSFLOW_GLOBAL_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Workers.GlobalConcurrency = n
		}
	}
	if val := os.Getenv("TRANSFLOW_MAX_PAYLOAD_SIZE"); val != "" {
		c.Processor.MaxPayloadSize = val
	}
	if val := os.Getenv("TRANSFLOW_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be greater than 0")
	}
	if c.Workers.PerJobConcurrency <= 0 {
		return fmt.Errorf("workers.per_job_concurrency must be greater than 0")
	}
	if c.Workers.GlobalConcurrency < c.Workers.PerJobConcurrency {
		return fmt.Errorf("workers.global_concurrency must be at least per_job_concurrency")
	}
	if c.Queue.HighWeight < 1 || c.Queue.MediumWeight < 1 || c.Queue.LowWeight < 1 {
		return fmt.Errorf("queue weights must all be at least 1 to prevent starvation")
	}
	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("queue.lease_timeout must be positive")
	}
	if c.Queue.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("queue.retry.max_attempts must be greater than 0")
	}

	minChunk, err := utils.ParseBytes(c.Chunking.MinChunkSize)
	if err != nil {
		return fmt.Errorf("invalid chunking.min_chunk_size: %w", err)
	}
	maxChunk, err := utils.ParseBytes(c.Chunking.MaxChunkSize)
	if err != nil {
		return fmt.Errorf("invalid chunking.max_chunk_size: %w", err)
	}
	if minChunk <= 0 || maxChunk < minChunk {
		return fmt.Errorf("chunk size range [%s, %s] is invalid",
			c.Chunking.MinChunkSize, c.Chunking.MaxChunkSize)
	}

	maxPayload, err := utils.ParseBytes(c.Processor.MaxPayloadSize)
	if err != nil {
		return fmt.Errorf("invalid processor.max_payload_size: %w", err)
	}
	if maxChunk > maxPayload {
		return fmt.Errorf("chunking.max_chunk_size %s exceeds processor.max_payload_size %s",
			c.Chunking.MaxChunkSize, c.Processor.MaxPayloadSize)
	}

	if c.Processor.Breaker.Enabled {
		if c.Processor.Breaker.FailureThreshold <= 0 {
			return fmt.Errorf("processor.breaker.failure_threshold must be greater than 0")
		}
		if c.Processor.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("processor.breaker.open_timeout must be positive")
		}
	}

	if c.Cache.L1.Enabled {
		if _, err := utils.ParseBytes(c.Cache.L1.MaxSize); err != nil {
			return fmt.Errorf("invalid cache.l1.max_size: %w", err)
		}
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// PriorityWeights returns the queue weighting table.
func (c *Configuration) PriorityWeights() types.PriorityWeights {
	return types.PriorityWeights{c.Queue.HighWeight, c.Queue.MediumWeight, c.Queue.LowWeight}
}

// MinChunkBytes returns the parsed minimum chunk size.
func (c *Configuration) MinChunkBytes() int64 {
	n, _ := utils.ParseBytes(c.Chunking.MinChunkSize)
	return n
}

// MaxChunkBytes returns the parsed maximum chunk size.
func (c *Configuration) MaxChunkBytes() int64 {
	n, _ := utils.ParseBytes(c.Chunking.MaxChunkSize)
	return n
}

// MaxPayloadBytes returns the parsed processor payload ceiling.
func (c *Configuration) MaxPayloadBytes() int64 {
	n, _ := utils.ParseBytes(c.Processor.MaxPayloadSize)
	return n
}

// L1MaxBytes returns the parsed L1 capacity.
func (c *Configuration) L1MaxBytes() int64 {
	n, _ := utils.ParseBytes(c.Cache.L1.MaxSize)
	return n
}
