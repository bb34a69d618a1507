package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/logagent/internal/config"
)

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := config.Default()
	err := config.ApplyEnv(cfg, mapLookup(map[string]string{
		"LOGAGENT_WATCH_DIR":       "/srv/logs",
		"LOGAGENT_KEYWORD":         "panic",
		"LOGAGENT_BATCH_THRESHOLD": "16",
		"LOGAGENT_FLUSH_INTERVAL":  "2s",
		"LOGAGENT_SPOOL_PATH":      "/tmp/spool.db",
		"LOGAGENT_LOG_LEVEL":       "",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.WatchDir != "/srv/logs" || cfg.Keyword != "panic" || cfg.BatchThreshold != 16 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.FlushInterval.Std() != 2*time.Second {
		t.Errorf("FlushInterval = %v", cfg.FlushInterval.Std())
	}
	if cfg.Sinks.SpoolPath != "/tmp/spool.db" {
		t.Errorf("SpoolPath = %q", cfg.Sinks.SpoolPath)
	}
	if cfg.LogLevel != config.DefaultLogLevel {
		t.Errorf("empty variable overrode LogLevel: %q", cfg.LogLevel)
	}
}

func TestApplyEnv_MalformedValues(t *testing.T) {
	cfg := config.Default()
	err := config.ApplyEnv(cfg, mapLookup(map[string]string{
		"LOGAGENT_BATCH_THRESHOLD": "lots",
		"LOGAGENT_WAIT_TIMEOUT":    "soon",
	}))
	if err == nil {
		t.Fatal("ApplyEnv accepted malformed values")
	}
	if cfg.BatchThreshold != config.DefaultBatchThreshold {
		t.Errorf("BatchThreshold changed to %d", cfg.BatchThreshold)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.env")
	if err := os.WriteFile(path, []byte("LOGAGENT_TEST_ENVFILE_KEYWORD=fatal\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("LOGAGENT_TEST_ENVFILE_KEYWORD") })

	if err := config.LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("LOGAGENT_TEST_ENVFILE_KEYWORD"); got != "fatal" {
		t.Errorf("variable = %q, want fatal", got)
	}

	if err := config.LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("LoadEnvFile accepted a missing file")
	}
}
