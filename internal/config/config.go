// Package config loads worker settings from an optional YAML file and the
// environment. The environment always wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every tunable of the worker.
type Config struct {
	QueueURL    string `yaml:"queue_url"`
	StateTable  string `yaml:"state_table"`
	ParamPrefix string `yaml:"param_prefix"`
	InstanceID  string `yaml:"instance_id"`

	Workers           int           `yaml:"workers"`
	BatchSize         int           `yaml:"batch_size"`
	PollWait          time.Duration `yaml:"poll_wait"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	PoolCapacity   int           `yaml:"pool_capacity"`
	EvictionPolicy string        `yaml:"eviction_policy"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	AssistantName  string        `yaml:"assistant_name"`
	OpenAIBaseURL  string        `yaml:"openai_base_url"`
	RunAttempts    int           `yaml:"run_attempts"`
	SlowCompletion time.Duration `yaml:"slow_completion"`

	BufferThreshold int `yaml:"buffer_threshold"`

	// RedeliverInternalErrors lets a request that failed for a reason unrelated
	// to the request itself be processed again when its message is redelivered.
	RedeliverInternalErrors bool `yaml:"redeliver_internal_errors"`

	StoreRetry RetryConfig `yaml:"store_retry"`

	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	NoMessagesTimeout    time.Duration `yaml:"no_messages_timeout"`
	MaxConnectionErrors  int           `yaml:"max_connection_errors"`
	ConnectionErrorSleep time.Duration `yaml:"connection_error_sleep"`
	StuckAfter           time.Duration `yaml:"stuck_after"`
	RevalidateInterval   time.Duration `yaml:"revalidate_interval"`
	MetricsInterval      time.Duration `yaml:"metrics_interval"`

	CleanupInterval           time.Duration `yaml:"cleanup_interval"`
	CleanupDays               int           `yaml:"cleanup_days"`
	ConversationRetentionDays int           `yaml:"conversation_retention_days"`
	HealthRetentionDays       int           `yaml:"health_retention_days"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// RetryConfig bounds retried store operations.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	MaxElapsed   time.Duration `yaml:"max_elapsed"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// Default returns built-in defaults. Required fields are left empty.
func Default() Config {
	return Config{
		Workers:   5,
		BatchSize: 10,
		PollWait:  20 * time.Second,

		PoolCapacity:   3,
		EvictionPolicy: "lru",
		SessionTTL:     30 * time.Minute,
		RunAttempts:    3,
		SlowCompletion: 2 * time.Minute,

		BufferThreshold: 10,

		StoreRetry: RetryConfig{
			MaxAttempts:  5,
			MaxElapsed:   30 * time.Second,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     8 * time.Second,
		},

		HealthCheckInterval:  5 * time.Minute,
		NoMessagesTimeout:    30 * time.Minute,
		MaxConnectionErrors:  10,
		ConnectionErrorSleep: 10 * time.Second,
		StuckAfter:           10 * time.Minute,
		RevalidateInterval:   15 * time.Minute,
		MetricsInterval:      time.Hour,

		CleanupInterval:           24 * time.Hour,
		CleanupDays:               7,
		ConversationRetentionDays: 30,
		HealthRetentionDays:       7,

		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if set) and then the environment.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path, ok := lookup("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	e := envReader{lookup: lookup}
	e.str("QUEUE_URL", &cfg.QueueURL)
	e.str("STATE_TABLE", &cfg.StateTable)
	e.str("PARAM_PREFIX", &cfg.ParamPrefix)
	e.str("INSTANCE_ID", &cfg.InstanceID)

	e.int("MAX_WORKERS", &cfg.Workers)
	e.int("MAX_MESSAGE_COUNT", &cfg.BatchSize)
	e.duration("MAX_WAIT_TIME", &cfg.PollWait)
	e.duration("VISIBILITY_TIMEOUT", &cfg.VisibilityTimeout)

	e.int("POOL_CAPACITY", &cfg.PoolCapacity)
	e.str("EVICTION_POLICY", &cfg.EvictionPolicy)
	e.duration("SESSION_TTL", &cfg.SessionTTL)
	e.str("ASSISTANT_NAME", &cfg.AssistantName)
	e.str("OPENAI_BASE_URL", &cfg.OpenAIBaseURL)
	e.int("RUN_ATTEMPTS", &cfg.RunAttempts)
	e.duration("COMPLETION_SOFT_TIMEOUT", &cfg.SlowCompletion)

	e.int("BULK_INSERT_THRESHOLD", &cfg.BufferThreshold)
	e.bool("REDELIVER_INTERNAL_ERRORS", &cfg.RedeliverInternalErrors)

	e.int("STORE_RETRY_ATTEMPTS", &cfg.StoreRetry.MaxAttempts)
	e.duration("STORE_RETRY_MAX_ELAPSED", &cfg.StoreRetry.MaxElapsed)
	e.duration("STORE_RETRY_INITIAL_DELAY", &cfg.StoreRetry.InitialDelay)
	e.duration("STORE_RETRY_MAX_DELAY", &cfg.StoreRetry.MaxDelay)

	e.duration("HEALTH_CHECK_INTERVAL", &cfg.HealthCheckInterval)
	e.duration("NO_MESSAGES_TIMEOUT", &cfg.NoMessagesTimeout)
	e.int("MAX_CONNECTION_ERRORS", &cfg.MaxConnectionErrors)
	e.duration("CONNECTION_ERROR_SLEEP", &cfg.ConnectionErrorSleep)
	e.duration("STUCK_REQUEST_AFTER", &cfg.StuckAfter)
	e.duration("REVALIDATE_INTERVAL", &cfg.RevalidateInterval)
	e.duration("METRICS_INTERVAL", &cfg.MetricsInterval)

	e.duration("CLEANUP_INTERVAL", &cfg.CleanupInterval)
	e.int("CLEANUP_DAYS", &cfg.CleanupDays)
	e.int("CONVERSATION_RETENTION_DAYS", &cfg.ConversationRetentionDays)
	e.int("HEALTH_RETENTION_DAYS", &cfg.HealthRetentionDays)

	e.str("METRICS_ADDR", &cfg.MetricsAddr)
	e.str("LOG_LEVEL", &cfg.LogLevel)

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	var errs []error
	for _, req := range []struct{ key, val string }{
		{"QUEUE_URL", c.QueueURL},
		{"STATE_TABLE", c.StateTable},
		{"PARAM_PREFIX", c.ParamPrefix},
	} {
		if strings.TrimSpace(req.val) == "" {
			errs = append(errs, fmt.Errorf("config: %s is required", req.key))
		}
	}
	for _, pos := range []struct {
		key string
		val int
	}{
		{"MAX_WORKERS", c.Workers},
		{"MAX_MESSAGE_COUNT", c.BatchSize},
		{"POOL_CAPACITY", c.PoolCapacity},
		{"BULK_INSERT_THRESHOLD", c.BufferThreshold},
		{"MAX_CONNECTION_ERRORS", c.MaxConnectionErrors},
	} {
		if pos.val <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive, got %d", pos.key, pos.val))
		}
	}
	if c.BatchSize > 10 {
		errs = append(errs, fmt.Errorf("config: MAX_MESSAGE_COUNT must be at most 10, got %d", c.BatchSize))
	}
	if c.PollWait > 20*time.Second {
		errs = append(errs, fmt.Errorf("config: MAX_WAIT_TIME must be at most 20s, got %s", c.PollWait))
	}
	return errors.Join(errs...)
}

// envReader overlays environment values and collects parse errors.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) value(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

// duration accepts Go durations ("90s", "5m") or a bare number of seconds.
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %q is not a duration", key, v))
		return
	}
	*dst = d
}
