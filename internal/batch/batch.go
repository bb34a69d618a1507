// Package batch accumulates matched log lines into bounded batches and hands
// each completed batch to a Sink.
//
// # Concurrency
//
// Accumulator is safe for concurrent producers. A single mutex covers the
// append, the threshold check, and the flush that the threshold triggers, so
// no goroutine can observe a buffer that has reached its threshold but not
// yet been flushed. Sink.Emit runs inside that critical section; sinks should
// therefore be quick or hand the batch off to something that is.
//
// # Capacity
//
// The buffer is allocated once with a fixed byte capacity. A line that does
// not fit in the remaining space is truncated at the free-space boundary and
// still counts as one line. The content length never exceeds the capacity.
package batch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reason records why a batch was flushed.
type Reason string

const (
	// ReasonThreshold means the line count reached the configured threshold.
	ReasonThreshold Reason = "threshold"
	// ReasonInterval means the flush interval elapsed with lines pending.
	ReasonInterval Reason = "interval"
	// ReasonRequest means an operator asked for a flush (e.g. SIGHUP).
	ReasonRequest Reason = "request"
	// ReasonShutdown means the agent is draining before it stops.
	ReasonShutdown Reason = "shutdown"
)

// Batch is an immutable snapshot of the accumulator taken at flush time.
type Batch struct {
	// ID uniquely identifies the batch across restarts.
	ID string
	// Content is the concatenation of every accumulated line, each followed
	// by '\n' unless the line was truncated at the capacity boundary.
	Content []byte
	// Lines is the number of lines appended since the previous flush.
	Lines int
	// Reason is why the flush happened.
	Reason Reason
	// FlushedAt is when the snapshot was taken.
	FlushedAt time.Time
}

// Sink receives flushed batches. Implementations decide what "delivery"
// means: logging a count, spooling to disk, or handing off to a transport.
type Sink interface {
	Emit(ctx context.Context, b Batch) error
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(ctx context.Context, b Batch) error

// Emit calls f(ctx, b).
func (f SinkFunc) Emit(ctx context.Context, b Batch) error { return f(ctx, b) }

// Stats is a point-in-time copy of the accumulator counters.
type Stats struct {
	Appended     int64
	Truncated    int64
	Batches      int64
	FlushedLines int64
	EmitErrors   int64
}

// Accumulator is a thread-safe, fixed-capacity line buffer with
// threshold-triggered flush. Create one with New.
type Accumulator struct {
	threshold int
	sink      Sink
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	buf       []byte
	lines     int
	lastFlush time.Time
	stats     Stats
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithLogger sets the logger used for truncation and emit-failure warnings.
func WithLogger(l *slog.Logger) Option {
	return func(a *Accumulator) { a.logger = l }
}

// WithClock overrides time.Now; tests use it to drive interval flushes.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// New allocates an Accumulator that flushes to sink every threshold lines and
// never holds more than capacity bytes.
func New(threshold, capacity int, sink Sink, opts ...Option) (*Accumulator, error) {
	var errs []error
	if threshold < 1 {
		errs = append(errs, errors.New("batch: threshold must be at least 1"))
	}
	if capacity < 1 {
		errs = append(errs, errors.New("batch: capacity must be at least 1 byte"))
	}
	if sink == nil {
		errs = append(errs, errors.New("batch: sink is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	a := &Accumulator{
		threshold: threshold,
		sink:      sink,
		logger:    slog.Default(),
		now:       time.Now,
		buf:       make([]byte, 0, capacity),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.lastFlush = a.now()
	return a, nil
}

// Append adds line plus a terminator to the buffer. Empty lines are ignored.
// If the append brings the line count to the threshold, the batch is flushed
// before Append returns and flushed is true.
func (a *Accumulator) Append(ctx context.Context, line []byte) (flushed bool) {
	if len(line) == 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	free := cap(a.buf) - len(a.buf)
	n := len(line)
	if n > free {
		n = free
	}
	a.buf = append(a.buf, line[:n]...)
	if len(a.buf) < cap(a.buf) {
		a.buf = append(a.buf, '\n')
	}
	if len(line)+1 > free {
		a.stats.Truncated++
		a.logger.Warn("batch: line truncated at buffer capacity",
			slog.Int("line_bytes", len(line)),
			slog.Int("written_bytes", n),
			slog.Int("capacity", cap(a.buf)))
	}

	a.lines++
	a.stats.Appended++

	if a.lines >= a.threshold {
		a.flushLocked(ctx, ReasonThreshold)
		return true
	}
	return false
}

// Flush emits the pending lines, if any, and resets the buffer. Flushing an
// empty accumulator is a no-op and reports ok == false.
func (a *Accumulator) Flush(ctx context.Context, reason Reason) (b Batch, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx, reason)
}

// FlushIfIdle flushes when lines are pending and at least interval has
// passed since the previous flush. The check and the flush share one critical
// section.
func (a *Accumulator) FlushIfIdle(ctx context.Context, interval time.Duration) (b Batch, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lines == 0 || a.now().Sub(a.lastFlush) < interval {
		return Batch{}, false
	}
	return a.flushLocked(ctx, ReasonInterval)
}

func (a *Accumulator) flushLocked(ctx context.Context, reason Reason) (Batch, bool) {
	if a.lines == 0 {
		return Batch{}, false
	}

	b := Batch{
		ID:        uuid.NewString(),
		Content:   bytes.Clone(a.buf),
		Lines:     a.lines,
		Reason:    reason,
		FlushedAt: a.now().UTC(),
	}
	a.buf = a.buf[:0]
	a.lines = 0
	a.lastFlush = b.FlushedAt
	a.stats.Batches++
	a.stats.FlushedLines += int64(b.Lines)

	if err := a.sink.Emit(ctx, b); err != nil {
		a.stats.EmitErrors++
		a.logger.Warn("batch: sink emit failed; batch dropped",
			slog.String("batch_id", b.ID),
			slog.Int("lines", b.Lines),
			slog.String("reason", string(reason)),
			slog.Any("error", err))
	}
	return b, true
}

// Pending returns the number of lines and bytes waiting for the next flush.
func (a *Accumulator) Pending() (lines, size int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lines, len(a.buf)
}

// LastFlush returns the time of the most recent flush, or the construction
// time if nothing has been flushed yet.
func (a *Accumulator) LastFlush() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFlush
}

// Stats returns a copy of the accumulator counters.
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Threshold returns the configured lines-per-batch limit.
func (a *Accumulator) Threshold() int { return a.threshold }

// Capacity returns the fixed byte capacity of the buffer.
func (a *Accumulator) Capacity() int { return cap(a.buf) }
