package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotifier adapts github.com/fsnotify/fsnotify to the Notifier interface.
// It is the portable backend; on Linux it is itself built on inotify.
type FSNotifier struct {
	w          *fsnotify.Watcher
	logger     *slog.Logger
	targets    []WatchTarget
	byDir      map[string]WatchTarget
	maxNameLen int

	errs   atomic.Int64
	closed atomic.Bool
}

func newFSNotifier(targets []WatchTarget, opts Options) (*FSNotifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify notifier: create watcher: %w", err)
	}

	n := &FSNotifier{
		w:          w,
		logger:     opts.Logger,
		targets:    targets,
		byDir:      make(map[string]WatchTarget, len(targets)),
		maxNameLen: opts.MaxNameLen,
	}
	for _, t := range targets {
		if err := w.Add(t.Dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("fsnotify notifier: watch %q: %w", t.Dir, err)
		}
		n.byDir[t.Dir] = t
		n.logger.Info("fsnotify notifier: watching directory",
			slog.String("dir", t.Dir),
			slog.String("interest", t.Interest.String()))
	}
	return n, nil
}

// Targets returns the registered targets.
func (n *FSNotifier) Targets() []WatchTarget { return n.targets }

// Errors returns the number of errors reported by fsnotify.
func (n *FSNotifier) Errors() int64 { return n.errs.Load() }

// Wait blocks for the first event or error, or until timeout, then collects
// every event already queued without blocking again.
func (n *FSNotifier) Wait(timeout time.Duration) ([]ChangeEvent, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []ChangeEvent
	select {
	case ev, ok := <-n.w.Events:
		if !ok {
			return nil, ErrClosed
		}
		out = n.appendEvent(out, ev)
	case err, ok := <-n.w.Errors:
		if !ok {
			return nil, ErrClosed
		}
		n.reportError(err)
		return nil, nil
	case <-timer.C:
		return nil, nil
	}

	for {
		select {
		case ev, ok := <-n.w.Events:
			if !ok {
				return out, nil
			}
			out = n.appendEvent(out, ev)
		default:
			return out, nil
		}
	}
}

func (n *FSNotifier) reportError(err error) {
	n.errs.Add(1)
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		n.logger.Warn("fsnotify notifier: event queue overflowed; some events were lost")
		return
	}
	n.logger.Warn("fsnotify notifier: watcher error", slog.Any("error", err))
}

// appendEvent maps one fsnotify event onto change events. kqueue can report
// Create and Write together; both are emitted, create first, so the new
// file's content is read after its offset is reset.
func (n *FSNotifier) appendEvent(out []ChangeEvent, ev fsnotify.Event) []ChangeEvent {
	var kinds []Kind
	if ev.Has(fsnotify.Create) {
		kinds = append(kinds, KindCreate)
	}
	if ev.Has(fsnotify.Write) {
		kinds = append(kinds, KindModify)
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		kinds = append(kinds, KindDelete)
	}
	if len(kinds) == 0 {
		return out
	}

	target, ok := n.byDir[filepath.Dir(ev.Name)]
	if !ok {
		return out
	}

	name, truncated := boundName(filepath.Base(ev.Name), n.maxNameLen)
	for _, kind := range kinds {
		if !target.Interest.Has(kind) {
			continue
		}
		out = append(out, ChangeEvent{
			Kind:      kind,
			Name:      name,
			Target:    target,
			Truncated: truncated,
		})
	}
	return out
}

// Close stops the fsnotify watcher. It is idempotent.
func (n *FSNotifier) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	if err := n.w.Close(); err != nil {
		return fmt.Errorf("fsnotify notifier: close: %w", err)
	}
	return nil
}
