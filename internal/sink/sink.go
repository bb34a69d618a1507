// Package sink provides batch.Sink implementations for the log agent.
//
//	LogSink     – acknowledges a batch by logging its size (no delivery)
//	SpoolSink   – persists batches to a WAL-mode SQLite spool for a transport
//	Journal     – appends batches to a SHA-256 hash-chained JSONL file
//	Retry       – retries another sink with exponential backoff
//	Multi       – fans a batch out to several sinks
//
// Sinks that hold resources implement io.Closer; the agent closes them after
// the final flush.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tripwire/logagent/internal/batch"
)

// LogSink is the reference flush behaviour: the batch is discarded and only
// a count-only acknowledgment is logged. It is safe for concurrent use.
type LogSink struct {
	logger  *slog.Logger
	batches atomic.Int64
	lines   atomic.Int64
}

// NewLogSink returns a LogSink that writes acknowledgments to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs the batch size and discards the content.
func (s *LogSink) Emit(_ context.Context, b batch.Batch) error {
	s.batches.Add(1)
	s.lines.Add(int64(b.Lines))
	s.logger.Info("batch flushed",
		slog.String("batch_id", b.ID),
		slog.Int("lines", b.Lines),
		slog.Int("bytes", len(b.Content)),
		slog.String("reason", string(b.Reason)))
	return nil
}

// Counts returns the number of batches and lines acknowledged so far.
func (s *LogSink) Counts() (batches, lines int64) {
	return s.batches.Load(), s.lines.Load()
}

// Multi fans each batch out to every sink in order. Every sink is called even
// if an earlier one fails; the failures are joined.
type Multi []batch.Sink

// Emit forwards b to every sink.
func (m Multi) Emit(ctx context.Context, b batch.Batch) error {
	var errs []error
	for i, s := range m {
		if err := s.Emit(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("sink[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every member that implements io.Closer, attempting all of
// them and joining the failures.
func (m Multi) Close() error {
	var errs []error
	for i, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("sink[%d]: close: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}
