package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOGAGENT_"

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set keep their value.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: cannot load env file %q: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays LOGAGENT_* variables onto cfg. lookup is usually
// os.LookupEnv. Malformed numbers and durations are reported together.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = Duration(d)
	}

	str("WATCH_DIR", &cfg.WatchDir)
	str("KEYWORD", &cfg.Keyword)
	num("BATCH_THRESHOLD", &cfg.BatchThreshold)
	str("READ_MODE", &cfg.ReadMode)
	str("BACKEND", &cfg.Backend)
	dur("WAIT_TIMEOUT", &cfg.WaitTimeout)
	dur("FLUSH_INTERVAL", &cfg.FlushInterval)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("HEALTH_ADDR", &cfg.HealthAddr)
	str("SPOOL_PATH", &cfg.Sinks.SpoolPath)
	str("JOURNAL_PATH", &cfg.Sinks.JournalPath)

	return errors.Join(errs...)
}
