// Package agent contains the log agent's dispatch loop. It wires together
// the change notifier, the incremental file reader, the keyword filter, and
// the batch accumulator, and drives them through the INIT → RUNNING →
// DRAINING → STOPPED lifecycle on a single goroutine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/logagent/internal/batch"
	"github.com/tripwire/logagent/internal/config"
	"github.com/tripwire/logagent/internal/filter"
	"github.com/tripwire/logagent/internal/reader"
	"github.com/tripwire/logagent/internal/watcher"
)

// ErrAlreadyRunning is returned by Run when the agent has already been run.
// An Agent is single-use.
var ErrAlreadyRunning = errors.New("agent: already running")

// NotifierFactory opens the change notifier used by the dispatch loop.
type NotifierFactory func(targets []watcher.WatchTarget, opts watcher.Options) (watcher.Notifier, error)

// Agent is the log agent orchestrator. Create one with New and drive it with
// Run; RequestStop and RequestFlush may be called from any goroutine.
type Agent struct {
	cfg          *config.Config
	logger       *slog.Logger
	sink         batch.Sink
	openNotifier NotifierFactory
	now          func() time.Time
	metrics      *Metrics

	state   atomic.Int32
	started atomic.Bool
	acc     atomic.Pointer[batch.Accumulator]
	notif   atomic.Pointer[notifierRef]

	startTime time.Time
	ready     chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	flush     chan struct{}
}

// notifierRef lets the health handler read notifier error counts while the
// loop owns the notifier.
type notifierRef struct{ n watcher.Notifier }

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithSink sets the destination of flushed batches. Without it the agent
// builds its sinks from cfg.Sinks. A sink implementing io.Closer is closed
// during teardown.
func WithSink(s batch.Sink) Option {
	return func(a *Agent) { a.sink = s }
}

// WithNotifierFactory replaces watcher.Open, mainly for tests.
func WithNotifierFactory(f NotifierFactory) Option {
	return func(a *Agent) { a.openNotifier = f }
}

// WithClock replaces time.Now for the accumulator and uptime reporting.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithMetrics shares an existing Metrics value with the agent.
func WithMetrics(m *Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// New creates an Agent from cfg. cfg must already be validated.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		ready:  make(chan struct{}),
		stop:   make(chan struct{}),
		flush:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = NewMetrics()
	}
	if a.openNotifier == nil {
		backend := watcher.Backend(cfg.Backend)
		a.openNotifier = func(targets []watcher.WatchTarget, o watcher.Options) (watcher.Notifier, error) {
			return watcher.Open(backend, targets, o)
		}
	}
	a.startTime = a.now()
	return a
}

// State returns the current lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Ready is closed when the agent enters RUNNING.
func (a *Agent) Ready() <-chan struct{} { return a.ready }

// Metrics returns the agent's counters.
func (a *Agent) Metrics() *Metrics { return a.metrics }

// RequestStop asks the loop to leave RUNNING at the next iteration boundary.
// It never blocks and may be called any number of times.
func (a *Agent) RequestStop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// RequestFlush asks the loop to flush the pending batch at the next
// iteration boundary. Requests made before the loop observes the first one
// coalesce.
func (a *Agent) RequestFlush() {
	select {
	case a.flush <- struct{}{}:
	default:
	}
}

func (a *Agent) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev != s {
		a.logger.Debug("dispatch: state change",
			slog.String("from", prev.String()),
			slog.String("to", s.String()))
	}
}

// resources are acquired in INIT and released in reverse order at STOPPED.
type resources struct {
	sink     batch.Sink
	filter   *filter.Filter
	reader   *reader.Reader
	acc      *batch.Accumulator
	notifier watcher.Notifier
}

// release closes the notifier, then the sink. Every release is attempted.
func (r *resources) release() error {
	var errs []error
	if r.notifier != nil {
		if err := r.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	if c, ok := r.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run executes the full lifecycle and returns when the agent reaches
// STOPPED. Startup failures are returned after any partially acquired
// resources are released. A stop request or ctx cancellation is a clean exit;
// a notifier failure is returned after the agent drains.
func (a *Agent) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	a.setState(StateInit)

	res, err := a.init()
	if err != nil {
		a.setState(StateStopped)
		return err
	}

	a.logger.Info("log agent started",
		slog.String("watch_dir", a.cfg.WatchDir),
		slog.String("keyword", a.cfg.Keyword),
		slog.String("backend", a.cfg.Backend),
		slog.String("read_mode", a.cfg.ReadMode),
		slog.Int("batch_threshold", a.cfg.BatchThreshold),
		slog.Int("buffer_capacity", a.cfg.BufferCapacity))

	a.setState(StateRunning)
	close(a.ready)

	loopErr := a.loop(ctx, res)

	a.setState(StateDraining)
	a.drain(context.WithoutCancel(ctx), res)

	a.setState(StateStopped)
	var releaseErr error
	if err := res.release(); err != nil {
		a.logger.Warn("dispatch: teardown incomplete", slog.Any("error", err))
		releaseErr = fmt.Errorf("agent: teardown: %w", err)
	}

	a.logger.Info("log agent stopped")
	return errors.Join(loopErr, releaseErr)
}

// init acquires every resource the loop needs. On failure nothing is left
// open.
func (a *Agent) init() (*resources, error) {
	res := &resources{}

	flt, err := filter.New(a.cfg.Keyword)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	res.filter = flt

	rd, err := reader.New(reader.Mode(a.cfg.ReadMode), a.cfg.ReadBufferSize)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	res.reader = rd

	snk := a.sink
	if snk == nil {
		snk, err = buildSink(a.cfg, a.logger)
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
	}
	res.sink = snk

	acc, err := batch.New(a.cfg.BatchThreshold, a.cfg.BufferCapacity, snk,
		batch.WithLogger(a.logger), batch.WithClock(a.now))
	if err != nil {
		_ = res.release()
		return nil, fmt.Errorf("agent: %w", err)
	}
	res.acc = acc
	a.acc.Store(acc)

	targets := []watcher.WatchTarget{{Dir: a.cfg.WatchDir, Interest: watcher.AllKinds}}
	n, err := a.openNotifier(targets, watcher.Options{
		Logger:       a.logger,
		PollInterval: a.cfg.PollInterval.Std(),
	})
	if err != nil {
		_ = res.release()
		return nil, fmt.Errorf("agent: open notifier: %w", err)
	}
	res.notifier = n
	a.notif.Store(&notifierRef{n: n})

	if a.cfg.StartAtEnd {
		a.prime(rd)
	}
	return res, nil
}

// prime positions every existing regular file in the watch directory at its
// end so only content written from now on is reported.
func (a *Agent) prime(rd *reader.Reader) {
	entries, err := os.ReadDir(a.cfg.WatchDir)
	if err != nil {
		a.logger.Warn("dispatch: cannot list watch directory for start_at_end",
			slog.String("dir", a.cfg.WatchDir),
			slog.Any("error", err))
		return
	}
	primed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := rd.Prime(filepath.Join(a.cfg.WatchDir, e.Name())); err != nil {
			a.logger.Debug("dispatch: prime failed", slog.String("file", e.Name()), slog.Any("error", err))
			continue
		}
		primed++
	}
	a.logger.Info("dispatch: existing files positioned at end", slog.Int("files", primed))
}

// loop is the RUNNING phase. Control messages and ctx are observed only at
// the top of each iteration, so an iteration in progress always completes.
func (a *Agent) loop(ctx context.Context, res *resources) error {
	timeout := a.cfg.WaitTimeout.Std()
	interval := a.cfg.FlushInterval.Std()

	for {
		select {
		case <-a.stop:
			a.logger.Info("dispatch: stop requested")
			return nil
		case <-ctx.Done():
			a.logger.Info("dispatch: context cancelled", slog.Any("cause", context.Cause(ctx)))
			return nil
		case <-a.flush:
			a.metrics.FlushRequests.Add(1)
			if b, ok := res.acc.Flush(ctx, batch.ReasonRequest); ok {
				a.logger.Info("dispatch: flushed on request", slog.Int("lines", b.Lines))
			}
		default:
		}

		events, err := res.notifier.Wait(timeout)
		if err != nil {
			a.logger.Error("dispatch: wait failed", slog.Any("error", err))
			return fmt.Errorf("agent: wait: %w", err)
		}
		a.metrics.Waits.Add(1)

		for _, ev := range events {
			a.handle(ctx, res, ev)
		}

		if interval > 0 {
			if b, ok := res.acc.FlushIfIdle(ctx, interval); ok {
				a.logger.Debug("dispatch: interval flush", slog.Int("lines", b.Lines))
			}
		}
	}
}

// handle processes one change event.
func (a *Agent) handle(ctx context.Context, res *resources, ev watcher.ChangeEvent) {
	a.metrics.Events.Add(1)

	if ev.Name == "" {
		a.logger.Debug("dispatch: event without a file name ignored", slog.String("kind", ev.Kind.String()))
		return
	}
	if ev.Truncated {
		a.metrics.Truncations.Add(1)
		a.logger.Warn("dispatch: file name truncated",
			slog.String("dir", ev.Target.Dir),
			slog.String("name", ev.Name),
			slog.Int("max", watcher.MaxNameLen))
	}

	path, truncated := watcher.ResolvePath(ev.Target.Dir, ev.Name)
	if truncated {
		a.metrics.Truncations.Add(1)
		a.logger.Warn("dispatch: path truncated",
			slog.String("path", path),
			slog.Int("max", watcher.MaxPathLen))
	}

	switch {
	case ev.Kind.Has(watcher.KindCreate):
		res.reader.Reset(path)
	case ev.Kind.Has(watcher.KindDelete):
		res.reader.Forget(path)
	case ev.Kind.Has(watcher.KindModify):
		a.consume(ctx, res, path)
	}
}

// consume reads the new content of path and appends every matching line.
// In tail mode a single write may exceed the read cap, so it keeps reading
// until the offset reaches the file size seen on entry.
func (a *Agent) consume(ctx context.Context, res *resources, path string) {
	end := int64(-1)
	if res.reader.Mode() == reader.ModeTail {
		if info, err := os.Stat(path); err == nil {
			end = info.Size()
		}
	}

	for {
		content, err := res.reader.Read(path)
		if err != nil {
			a.metrics.ReadErrors.Add(1)
			a.logger.Warn("dispatch: read failed", slog.String("path", path), slog.Any("error", err))
			return
		}
		a.metrics.Reads.Add(1)
		if len(content) == 0 {
			return
		}
		a.metrics.BytesRead.Add(int64(len(content)))

		for _, line := range reader.SplitLines(content) {
			a.metrics.LinesRead.Add(1)
			if !res.filter.Match(line) {
				continue
			}
			a.metrics.LinesMatched.Add(1)
			res.acc.Append(ctx, line)
		}

		if end < 0 {
			return
		}
		if off, _ := res.reader.Offset(path); off >= end {
			return
		}
	}
}

// drain is the DRAINING phase: the partial batch is flushed or discarded
// according to flush_on_shutdown.
func (a *Agent) drain(ctx context.Context, res *resources) {
	if a.cfg.ShouldFlushOnShutdown() {
		if b, ok := res.acc.Flush(ctx, batch.ReasonShutdown); ok {
			a.logger.Info("dispatch: flushed partial batch on shutdown", slog.Int("lines", b.Lines))
		}
		return
	}
	if lines, size := res.acc.Pending(); lines > 0 {
		a.logger.Warn("dispatch: discarding partial batch on shutdown",
			slog.Int("lines", lines),
			slog.Int("bytes", size))
	}
}
