// Command logagent tails the files of one directory, forwards lines that
// match a keyword into bounded batches, and hands each batch to the
// configured sinks. It exposes /healthz and /metrics when health_addr is set,
// stops gracefully on SIGTERM or SIGINT, and flushes on SIGHUP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/logagent/internal/agent"
	"github.com/tripwire/logagent/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "logagent: %v\n", err)
		os.Exit(1)
	}
}

// flags holds the command-line overrides shared by run and validate.
type flags struct {
	configPath string
	envFile    string
	watchDir   string
	keyword    string
	threshold  int
	backend    string
	healthAddr string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:   "logagent",
		Short: "Tail a log directory and batch the lines that match a keyword",
		Long: `logagent watches a directory for file changes, reads the new content of
each changed file, keeps the lines that contain a keyword (case-insensitive),
and emits them in batches once a line threshold is reached.

Examples:
  # Watch /var/log for lines containing "error"
  logagent run --watch-dir /var/log --keyword error

  # Run from a configuration file
  logagent run --config /etc/logagent/config.yaml

  # Check a configuration file without starting
  logagent validate --config /etc/logagent/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to the YAML configuration file")
	pf.StringVar(&f.envFile, "env-file", "", "file of LOGAGENT_* variables to load before reading the environment")
	pf.StringVar(&f.watchDir, "watch-dir", "", "directory to watch (overrides watch_dir)")
	pf.StringVar(&f.keyword, "keyword", "", "case-insensitive keyword (overrides keyword)")
	pf.IntVar(&f.threshold, "threshold", 0, "lines per batch (overrides batch_threshold)")
	pf.StringVar(&f.backend, "backend", "", "change notifier: inotify, fsnotify, or poll (overrides backend)")
	pf.StringVar(&f.healthAddr, "health-addr", "", "listen address for /healthz and /metrics (overrides health_addr)")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn, or error (overrides log_level)")

	root.AddCommand(newRunCmd(&f), newValidateCmd(&f), newVersionCmd(), newJournalCmd(), newSpoolCmd())
	return root
}

func newRunCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent and run until SIGTERM or SIGINT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
			slog.SetDefault(logger)
			return run(cmd.Context(), cfg, logger)
		},
	}
}

func newValidateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: watching %s for %q (backend %s, threshold %d)\n",
				cfg.WatchDir, cfg.Keyword, cfg.Backend, cfg.BatchThreshold)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "logagent %s\n", version)
		},
	}
}

// loadConfig reads the configuration file when one is given, overlays the
// LOGAGENT_* environment and then the flags, and validates the result.
func loadConfig(f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.LoadConfigPartial(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.envFile != "" {
		if err := config.LoadEnvFile(f.envFile); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if f.watchDir != "" {
		cfg.WatchDir = f.watchDir
	}
	if f.keyword != "" {
		cfg.Keyword = f.keyword
	}
	if f.threshold != 0 {
		cfg.BatchThreshold = f.threshold
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if f.healthAddr != "" {
		cfg.HealthAddr = f.healthAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// run starts the agent and the optional health server, maps signals to
// control messages, and blocks until the agent stops.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ag := agent.New(cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				logger.Info("received signal", slog.String("signal", sig.String()))
				if sig == syscall.SIGHUP {
					ag.RequestFlush()
					continue
				}
				ag.RequestStop()
			}
		}
	}()

	var healthServer *http.Server
	if cfg.HealthAddr != "" {
		healthServer = &http.Server{
			Addr:         cfg.HealthAddr,
			Handler:      ag.Router(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("health server listening", slog.String("addr", cfg.HealthAddr))
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", slog.Any("error", err))
			}
		}()
	}

	runErr := ag.Run(ctx)

	if healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown error", slog.Any("error", err))
		}
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("logagent exited cleanly")
	return nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to w at the requested minimum level.
func newLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}
