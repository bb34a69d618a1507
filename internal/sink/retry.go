package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/logagent/internal/batch"
)

// RetryConfig controls the exponential backoff of a Retry sink. Zero fields
// take the defaults below.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

const (
	defaultRetryInitial    = 100 * time.Millisecond
	defaultRetryMaxBackoff = 5 * time.Second
	defaultRetryMaxElapsed = 30 * time.Second
)

// Retry wraps a sink and retries failed emits with exponential backoff until
// the batch is accepted, MaxElapsedTime passes, or ctx is cancelled.
type Retry struct {
	next   batch.Sink
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetry returns a Retry around next.
func NewRetry(next batch.Sink, cfg RetryConfig, logger *slog.Logger) *Retry {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultRetryInitial
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultRetryMaxBackoff
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = defaultRetryMaxElapsed
	}
	return &Retry{next: next, cfg: cfg, logger: logger}
}

// Emit forwards b to the wrapped sink, retrying on error. Context errors are
// not retried.
func (r *Retry) Emit(ctx context.Context, b batch.Batch) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval
	bo.MaxElapsedTime = r.cfg.MaxElapsedTime

	attempt := 0
	op := func() error {
		attempt++
		err := r.next.Emit(ctx, b)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("sink: emit failed, retrying",
			slog.String("batch_id", b.ID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
	}

	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

// Close closes the wrapped sink if it implements io.Closer.
func (r *Retry) Close() error {
	if c, ok := r.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
