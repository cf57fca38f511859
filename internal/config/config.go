// Package config provides configuration loading from environment variables
// for the ASR gateway.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// ErrInvalidStoreBackend is returned when STORE_BACKEND names an
// unrecognized job store adapter.
var ErrInvalidStoreBackend = errors.New("config: STORE_BACKEND must be one of: sqlite, postgres")

// Config holds all configuration for the application, loaded from the
// environment per §6's recognized options.
type Config struct {
	// HTTP listener
	Port int `env:"PORT, default=8080" json:"port"`

	// Job store backend selector and connection parameters
	StoreBackend string `env:"STORE_BACKEND, default=sqlite" json:"store_backend"`
	SQLitePath   string `env:"SQLITE_PATH, default=asr-gateway.db" json:"sqlite_path"`
	PostgresDSN  string `env:"POSTGRES_DSN" json:"-"`

	// Staging directory and size cap
	StagingDir          string `env:"STAGING_DIR, default=/tmp/asr-gateway/staging" json:"staging_dir"`
	MaxFileSizeBytes    int64  `env:"MAX_FILE_SIZE_BYTES, default=536870912" json:"max_file_size_bytes"`
	AllowedExtensions   string `env:"ALLOWED_EXTENSIONS, default=mp3,mp4,wav,m4a,flac,ogg,webm" json:"allowed_extensions"`
	MaxConcurrentStages int    `env:"MAX_CONCURRENT_STAGES, default=4" json:"max_concurrent_stages"`
	StagingTTLSeconds   int    `env:"STAGING_TTL_SECONDS, default=3600" json:"staging_ttl_seconds"`

	// Model pool sizes and per-GPU caps
	EngineName          string `env:"ENGINE_NAME, default=whisper-base" json:"engine_name"`
	PoolMinSize         int    `env:"POOL_MIN_SIZE, default=1" json:"pool_min_size"`
	PoolMaxSize         int    `env:"POOL_MAX_SIZE, default=2" json:"pool_max_size"`
	MaxInstancesPerGPU  int    `env:"MAX_INSTANCES_PER_GPU, default=1" json:"max_instances_per_gpu"`
	InitWithMaxPoolSize bool   `env:"INIT_WITH_MAX_POOL_SIZE, default=false" json:"init_with_max_pool_size"`
	GPUDeviceIDs        string `env:"GPU_DEVICE_IDS" json:"gpu_device_ids"`
	EngineEndpoints     string `env:"ENGINE_ENDPOINTS" json:"engine_endpoints"`

	// Task processor
	MaxConcurrentTasks         int `env:"MAX_CONCURRENT_TASKS, default=2" json:"max_concurrent_tasks"`
	TaskStatusCheckIntervalMs  int `env:"TASK_STATUS_CHECK_INTERVAL_MS, default=2000" json:"task_status_check_interval_ms"`
	OrphanRecoveryThresholdSec int `env:"ORPHAN_RECOVERY_THRESHOLD_SEC, default=300" json:"orphan_recovery_threshold_sec"`

	// Callback dispatcher
	CallbackMaxAttempts   int `env:"CALLBACK_MAX_ATTEMPTS, default=5" json:"callback_max_attempts"`
	CallbackBaseBackoffMs int `env:"CALLBACK_BASE_BACKOFF_MS, default=1000" json:"callback_base_backoff_ms"`
	CallbackMaxBackoffSec int `env:"CALLBACK_MAX_BACKOFF_SEC, default=60" json:"callback_max_backoff_sec"`
	CallbackWorkers       int `env:"CALLBACK_WORKERS, default=4" json:"callback_workers"`

	// Optional S3 settings, used by the staging layer for extracted-audio
	// artifacts and subtitle caching (not for staged input media).
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"`

	// Per-platform crawler proxy/cookie
	DouyinProxy  string `env:"DOUYIN_PROXY" json:"douyin_proxy,omitempty"`
	DouyinCookie string `env:"DOUYIN_COOKIE" json:"-"`
	TikTokProxy  string `env:"TIKTOK_PROXY" json:"tiktok_proxy,omitempty"`
	TikTokCookie string `env:"TIKTOK_COOKIE" json:"-"`

	// Logging
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"`
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// AllowedExtensionSet splits AllowedExtensions into a lookup set. An empty
// configured string means no restriction, per §4.2.
func (c *Config) AllowedExtensionSet() map[string]bool {
	set := make(map[string]bool)
	for _, ext := range strings.Split(c.AllowedExtensions, ",") {
		ext = strings.TrimSpace(strings.ToLower(ext))
		if ext != "" {
			set[ext] = true
		}
	}
	return set
}

// GPUDeviceIDList parses the comma-separated GPUDeviceIDs into ints. An
// empty result means the pool falls back to CPU-only operation (§4.3).
func (c *Config) GPUDeviceIDList() []int {
	var ids []int
	for _, s := range strings.Split(c.GPUDeviceIDs, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(s, "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// EngineEndpointMap parses "deviceID=url,deviceID=url" pairs into the map
// internal/engine.Factory needs, keyed by device id (-1 for CPU fallback).
func (c *Config) EngineEndpointMap() map[int]string {
	out := make(map[int]string)
	for _, pair := range strings.Split(c.EngineEndpoints, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &id); err == nil {
			out[id] = strings.TrimSpace(parts[1])
		}
	}
	return out
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and consistent.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "sqlite", "postgres":
	default:
		return ErrInvalidStoreBackend
	}
	if c.StoreBackend == "postgres" && c.PostgresDSN == "" {
		return errors.New("config: POSTGRES_DSN is required when STORE_BACKEND=postgres")
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration. When
// LogFormat is "json", it outputs JSON logs suitable for production;
// otherwise it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// String returns a string representation of the config with sensitive
// values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, StoreBackend: %s, EngineName: %s, PoolMaxSize: %d, MaxConcurrentTasks: %d, StagingDir: %s, LogFormat: %s, LogLevel: %s}",
		c.Port, c.StoreBackend, c.EngineName, c.PoolMaxSize, c.MaxConcurrentTasks, c.StagingDir, c.LogFormat, c.LogLevel,
	)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
