// Package config provides YAML configuration loading and validation for the
// log agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadConfig and Default.
const (
	DefaultBatchThreshold = 1024
	DefaultReadBufferSize = 4096
	DefaultBufferCapacity = DefaultBatchThreshold * DefaultReadBufferSize
	DefaultWaitTimeout    = time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultLogLevel       = "info"
)

// Duration is a time.Duration that unmarshals from a Go duration string
// ("250ms", "1m30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure for the log agent.
type Config struct {
	// WatchDir is the directory whose files are tailed. Required.
	WatchDir string `yaml:"watch_dir"`

	// Keyword is matched case-insensitively against every line. Required.
	Keyword string `yaml:"keyword"`

	// BatchThreshold is the number of matched lines that triggers a flush.
	BatchThreshold int `yaml:"batch_threshold"`

	// BufferCapacity bounds the accumulated batch content in bytes.
	BufferCapacity int `yaml:"buffer_capacity"`

	// ReadBufferSize bounds a single file read in bytes.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// ReadMode is "tail" (read only appended bytes) or "snapshot" (re-read
	// the file from the start on every change). Defaults to "tail".
	ReadMode string `yaml:"read_mode"`

	// StartAtEnd skips the content already present in WatchDir at startup.
	StartAtEnd bool `yaml:"start_at_end"`

	// Backend selects the change notifier: "inotify", "fsnotify", or "poll".
	// Defaults to "inotify" on Linux and "fsnotify" elsewhere.
	Backend string `yaml:"backend"`

	WaitTimeout  Duration `yaml:"wait_timeout"`
	PollInterval Duration `yaml:"poll_interval"`

	// FlushInterval flushes a non-empty batch that has been idle this long.
	// Zero disables interval flushing.
	FlushInterval Duration `yaml:"flush_interval"`

	// FlushOnShutdown emits the partial batch when the agent stops. Defaults
	// to true; a pointer distinguishes "false" from "omitted".
	FlushOnShutdown *bool `yaml:"flush_on_shutdown"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz and /metrics HTTP
	// server (e.g. "127.0.0.1:9000"). Empty disables the server.
	HealthAddr string `yaml:"health_addr"`

	Sinks SinksConfig `yaml:"sinks"`
}

// SinksConfig selects where flushed batches go.
type SinksConfig struct {
	// Log acknowledges each batch with a log line. Defaults to true.
	Log *bool `yaml:"log"`

	// SpoolPath enables the SQLite batch spool at this path.
	SpoolPath string `yaml:"spool_path"`

	// JournalPath enables the hash-chained JSONL journal at this path.
	JournalPath string `yaml:"journal_path"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig wraps the durable sinks in exponential backoff when
// MaxElapsed is non-zero.
type RetryConfig struct {
	InitialInterval Duration `yaml:"initial_interval"`
	MaxElapsed      Duration `yaml:"max_elapsed"`
}

// ShouldFlushOnShutdown reports the effective flush_on_shutdown value.
func (c *Config) ShouldFlushOnShutdown() bool {
	return c.FlushOnShutdown == nil || *c.FlushOnShutdown
}

// LogSinkEnabled reports the effective sinks.log value.
func (c *Config) LogSinkEnabled() bool {
	return c.Sinks.Log == nil || *c.Sinks.Log
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validReadModes = map[string]bool{
	"tail":     true,
	"snapshot": true,
}

var validBackends = map[string]bool{
	"inotify":  true,
	"fsnotify": true,
	"poll":     true,
}

// Default returns a Config with every optional field defaulted. WatchDir and
// Keyword are left empty.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadConfigPartial(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigPartial is LoadConfig without validation, for callers that
// overlay command-line values before calling Validate.
func LoadConfigPartial(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.BatchThreshold == 0 {
		cfg.BatchThreshold = DefaultBatchThreshold
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.BufferCapacity == 0 {
		cfg.BufferCapacity = cfg.BatchThreshold * cfg.ReadBufferSize
	}
	if cfg.ReadMode == "" {
		cfg.ReadMode = "tail"
	}
	if cfg.Backend == "" {
		cfg.Backend = defaultBackend()
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = Duration(DefaultWaitTimeout)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(DefaultPollInterval)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

func defaultBackend() string {
	if runtime.GOOS == "linux" {
		return "inotify"
	}
	return "fsnotify"
}

// Validate checks that all required fields are populated and that enumerated
// and numeric fields are in range. Every failure is reported.
func (c *Config) Validate() error {
	var errs []error

	if c.WatchDir == "" {
		errs = append(errs, errors.New("watch_dir is required"))
	}
	if c.Keyword == "" {
		errs = append(errs, errors.New("keyword is required"))
	}
	if c.BatchThreshold < 1 {
		errs = append(errs, fmt.Errorf("batch_threshold %d must be at least 1", c.BatchThreshold))
	}
	if c.BufferCapacity < 1 {
		errs = append(errs, fmt.Errorf("buffer_capacity %d must be at least 1", c.BufferCapacity))
	}
	if c.ReadBufferSize < 1 {
		errs = append(errs, fmt.Errorf("read_buffer_size %d must be at least 1", c.ReadBufferSize))
	}
	if !validReadModes[c.ReadMode] {
		errs = append(errs, fmt.Errorf("read_mode %q must be one of: tail, snapshot", c.ReadMode))
	}
	if !validBackends[c.Backend] {
		errs = append(errs, fmt.Errorf("backend %q must be one of: inotify, fsnotify, poll", c.Backend))
	}
	if c.WaitTimeout <= 0 {
		errs = append(errs, errors.New("wait_timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.FlushInterval < 0 {
		errs = append(errs, errors.New("flush_interval must not be negative"))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel))
	}
	if !c.LogSinkEnabled() && c.Sinks.SpoolPath == "" && c.Sinks.JournalPath == "" {
		errs = append(errs, errors.New("sinks: at least one of log, spool_path, journal_path must be enabled"))
	}
	if c.Sinks.Retry.MaxElapsed < 0 || c.Sinks.Retry.InitialInterval < 0 {
		errs = append(errs, errors.New("sinks.retry intervals must not be negative"))
	}

	return errors.Join(errs...)
}
