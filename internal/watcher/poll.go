package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// fileState holds the stable metadata for a single snapshot entry.
type fileState struct {
	size    int64
	modTime time.Time
}

// PollNotifier detects changes by comparing periodic directory snapshots.
// No kernel notification handle is held, so it works on filesystems that do
// not deliver inotify events (NFS, some container bind mounts).
type PollNotifier struct {
	targets    []WatchTarget
	logger     *slog.Logger
	interval   time.Duration
	maxNameLen int

	snapshot map[string]fileState
	lastScan time.Time
	errs     atomic.Int64
	closed   atomic.Bool
}

func newPollNotifier(targets []WatchTarget, opts Options) *PollNotifier {
	n := &PollNotifier{
		targets:    targets,
		logger:     opts.Logger,
		interval:   opts.PollInterval,
		maxNameLen: opts.MaxNameLen,
	}
	// Take the initial snapshot up front so that the first Wait only reports
	// changes made after Open returned.
	n.snapshot = n.scan()
	n.lastScan = time.Now()
	for _, t := range targets {
		n.logger.Info("poll notifier: watching directory",
			slog.String("dir", t.Dir),
			slog.Duration("interval", n.interval))
	}
	return n
}

// Targets returns the registered targets.
func (n *PollNotifier) Targets() []WatchTarget { return n.targets }

// Errors returns the number of directory scans that failed.
func (n *PollNotifier) Errors() int64 { return n.errs.Load() }

// Wait sleeps until the next scan is due, or for timeout if that is sooner,
// and returns the differences found by the scan.
func (n *PollNotifier) Wait(timeout time.Duration) ([]ChangeEvent, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	until := time.Until(n.lastScan.Add(n.interval))
	if until > timeout {
		time.Sleep(timeout)
		return nil, nil
	}
	if until > 0 {
		time.Sleep(until)
	}

	current := n.scan()
	events := n.diff(n.snapshot, current)
	n.snapshot = current
	n.lastScan = time.Now()
	return events, nil
}

// scan lists the immediate regular files of every target. Sub-directories
// are skipped (non-recursive).
func (n *PollNotifier) scan() map[string]fileState {
	result := make(map[string]fileState)
	for _, t := range n.targets {
		entries, err := os.ReadDir(t.Dir)
		if err != nil {
			n.errs.Add(1)
			n.logger.Warn("poll notifier: cannot read directory",
				slog.String("dir", t.Dir),
				slog.Any("error", err))
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			result[filepath.Join(t.Dir, e.Name())] = fileState{
				size:    fi.Size(),
				modTime: fi.ModTime(),
			}
		}
	}
	return result
}

// diff compares two snapshots and returns create, modify, and delete events
// ordered by path.
func (n *PollNotifier) diff(old, current map[string]fileState) []ChangeEvent {
	var out []ChangeEvent
	for path, cur := range current {
		prev, existed := old[path]
		switch {
		case !existed:
			out = n.appendEvent(out, path, KindCreate)
			// A file that appeared with content has also been written to.
			if cur.size > 0 {
				out = n.appendEvent(out, path, KindModify)
			}
		case cur.modTime != prev.modTime || cur.size != prev.size:
			out = n.appendEvent(out, path, KindModify)
		}
	}
	for path := range old {
		if _, ok := current[path]; !ok {
			out = n.appendEvent(out, path, KindDelete)
		}
	}

	slices.SortStableFunc(out, func(a, b ChangeEvent) int {
		return strings.Compare(filepath.Join(a.Target.Dir, a.Name), filepath.Join(b.Target.Dir, b.Name))
	})
	return out
}

func (n *PollNotifier) appendEvent(out []ChangeEvent, path string, kind Kind) []ChangeEvent {
	dir := filepath.Dir(path)
	for _, t := range n.targets {
		if t.Dir != dir || !t.Interest.Has(kind) {
			continue
		}
		name, truncated := boundName(filepath.Base(path), n.maxNameLen)
		return append(out, ChangeEvent{Kind: kind, Name: name, Target: t, Truncated: truncated})
	}
	return out
}

// Close stops the notifier. It holds no OS resources.
func (n *PollNotifier) Close() error {
	n.closed.Store(true)
	return nil
}
