package durable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultNamespace scopes persistent keys when no namespace is configured.
const DefaultNamespace = "default"

// Config wires a Service. Store is required; Queue and EventBus are
// optional - without a queue, kickoff and resume run inline on the
// caller's goroutine, and without a bus, waiters poll.
type Config struct {
	// Namespace prefixes all persistent keys, queue names and bus
	// channels. Default: "default".
	Namespace string

	// Store persists executions, steps, timers, schedules, audit entries
	// and advisory locks. Required.
	Store Store

	// Queue distributes execute/resume messages across workers. Optional.
	Queue Queue

	// EventBus notifies waiters of completion. Optional.
	EventBus EventBus

	// Logger receives structured engine logs. Optional.
	Logger Logger

	// WorkerID identifies this worker in timer claims and leases.
	// Default: "<hostname>-<random>".
	WorkerID string

	// PollInterval is the timer scan cadence. Default: 1s.
	PollInterval time.Duration

	// ClaimTTL is the lease taken on a timer while firing it. Default: 30s.
	ClaimTTL time.Duration

	// LockTTL is the lease on execution/signal/schedule advisory locks.
	// Default: 30s.
	LockTTL time.Duration

	// RetryBaseDelay is the backoff base: attempt n waits
	// RetryBaseDelay * 2^(n-1). Default: 1s.
	RetryBaseDelay time.Duration

	// DefaultMaxAttempts is the retry budget for tasks that do not set
	// their own. Default: 3.
	DefaultMaxAttempts int

	// WaitPollInterval is the polling cadence for Wait when the event bus
	// is unavailable. Default: 500ms.
	WaitPollInterval time.Duration

	// KickoffFailsafeDelay is how far in the future the kickoff failsafe
	// timer fires when a queue is configured. Default: 30s.
	KickoffFailsafeDelay time.Duration
}

// DefaultConfig returns the default engine configuration. Store must still
// be set by the caller.
func DefaultConfig() Config {
	return Config{
		Namespace:            DefaultNamespace,
		PollInterval:         time.Second,
		ClaimTTL:             30 * time.Second,
		LockTTL:              30 * time.Second,
		RetryBaseDelay:       time.Second,
		DefaultMaxAttempts:   3,
		WaitPollInterval:     500 * time.Millisecond,
		KickoffFailsafeDelay: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Namespace == "" {
		c.Namespace = defaults.Namespace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaults.ClaimTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = defaults.DefaultMaxAttempts
	}
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = defaults.WaitPollInterval
	}
	if c.KickoffFailsafeDelay <= 0 {
		c.KickoffFailsafeDelay = defaults.KickoffFailsafeDelay
	}
}

// FileConfig is the on-disk service configuration, loadable from YAML or
// JSON. Durations are in milliseconds to keep the file format
// language-neutral.
type FileConfig struct {
	Namespace              string `yaml:"namespace" json:"namespace"`
	WorkerID               string `yaml:"worker_id" json:"worker_id"`
	PollIntervalMs         int64  `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	ClaimTTLMs             int64  `yaml:"claim_ttl_ms" json:"claim_ttl_ms"`
	LockTTLMs              int64  `yaml:"lock_ttl_ms" json:"lock_ttl_ms"`
	RetryBaseDelayMs       int64  `yaml:"retry_base_delay_ms" json:"retry_base_delay_ms"`
	DefaultMaxAttempts     int    `yaml:"default_max_attempts" json:"default_max_attempts"`
	WaitPollIntervalMs     int64  `yaml:"wait_poll_interval_ms" json:"wait_poll_interval_ms"`
	KickoffFailsafeDelayMs int64  `yaml:"kickoff_failsafe_delay_ms" json:"kickoff_failsafe_delay_ms"`

	Redis struct {
		URL string `yaml:"url" json:"url"`
		DB  int    `yaml:"db" json:"db"`
	} `yaml:"redis" json:"redis"`

	Rabbit struct {
		URL          string `yaml:"url" json:"url"`
		Queue        string `yaml:"queue" json:"queue"`
		Quorum       bool   `yaml:"quorum" json:"quorum"`
		DLQ          bool   `yaml:"dlq" json:"dlq"`
		MessageTTLMs int64  `yaml:"message_ttl_ms" json:"message_ttl_ms"`
	} `yaml:"rabbit" json:"rabbit"`
}

// LoadConfigFile reads a FileConfig from a .yaml, .yml or .json file.
func LoadConfigFile(path string) (*FileConfig, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, NewEngineError("config.Load", "validation",
			fmt.Errorf("%w: unsupported config format %q", ErrInvalidConfiguration, ext))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewEngineError("config.Load", "io", err)
	}

	var cfg FileConfig
	switch ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, NewEngineError("config.Load", "validation",
			fmt.Errorf("%w: %v", ErrInvalidConfiguration, err))
	}
	return &cfg, nil
}

// Apply copies the service-level file settings onto a Config, leaving unset
// fields alone. The redis and rabbit sections are not applied here.
func (fc *FileConfig) Apply(c *Config) {
	if fc.Namespace != "" {
		c.Namespace = fc.Namespace
	}
	if fc.WorkerID != "" {
		c.WorkerID = fc.WorkerID
	}
	if fc.PollIntervalMs > 0 {
		c.PollInterval = time.Duration(fc.PollIntervalMs) * time.Millisecond
	}
	if fc.ClaimTTLMs > 0 {
		c.ClaimTTL = time.Duration(fc.ClaimTTLMs) * time.Millisecond
	}
	if fc.LockTTLMs > 0 {
		c.LockTTL = time.Duration(fc.LockTTLMs) * time.Millisecond
	}
	if fc.RetryBaseDelayMs > 0 {
		c.RetryBaseDelay = time.Duration(fc.RetryBaseDelayMs) * time.Millisecond
	}
	if fc.DefaultMaxAttempts > 0 {
		c.DefaultMaxAttempts = fc.DefaultMaxAttempts
	}
	if fc.WaitPollIntervalMs > 0 {
		c.WaitPollInterval = time.Duration(fc.WaitPollIntervalMs) * time.Millisecond
	}
	if fc.KickoffFailsafeDelayMs > 0 {
		c.KickoffFailsafeDelay = time.Duration(fc.KickoffFailsafeDelayMs) * time.Millisecond
	}
}
