package agent

import (
	"errors"
	"log/slog"

	"github.com/tripwire/logagent/internal/batch"
	"github.com/tripwire/logagent/internal/config"
	"github.com/tripwire/logagent/internal/sink"
)

// buildSink assembles the sinks enabled in cfg.Sinks. Each durable sink is
// wrapped in its own Retry when retries are configured, so a failing spool
// never causes a journal entry to be written twice.
func buildSink(cfg *config.Config, logger *slog.Logger) (batch.Sink, error) {
	var out sink.Multi

	if cfg.LogSinkEnabled() {
		out = append(out, sink.NewLogSink(logger))
	}

	wrap := func(s batch.Sink) batch.Sink {
		r := cfg.Sinks.Retry
		if r.MaxElapsed <= 0 {
			return s
		}
		return sink.NewRetry(s, sink.RetryConfig{
			InitialInterval: r.InitialInterval.Std(),
			MaxElapsedTime:  r.MaxElapsed.Std(),
		}, logger)
	}

	if p := cfg.Sinks.SpoolPath; p != "" {
		sp, err := sink.OpenSpool(p)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		logger.Info("sink: spool opened", slog.String("path", p), slog.Int("pending", sp.Depth()))
		out = append(out, wrap(sp))
	}

	if p := cfg.Sinks.JournalPath; p != "" {
		j, err := sink.OpenJournal(p)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		logger.Info("sink: journal opened", slog.String("path", p))
		out = append(out, wrap(j))
	}

	if len(out) == 0 {
		return nil, errors.New("no sinks enabled")
	}
	return out, nil
}
