// Package watcher turns filesystem change notifications for a set of watched
// directories into ChangeEvents for the dispatch loop.
//
// Every backend implements Notifier, whose Wait blocks for at most the given
// timeout so the caller can observe stop requests and run housekeeping even
// when the filesystem is idle. Three backends are available:
//
//	inotify  – epoll(7) + raw inotify(7) records (Linux only)
//	fsnotify – github.com/fsnotify/fsnotify (any supported OS)
//	poll     – periodic stat snapshots (network and container mounts)
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Kind classifies a change. Kinds are bit flags so a WatchTarget can express
// its interest set as a single value.
type Kind uint8

const (
	// KindCreate means a file appeared in the directory.
	KindCreate Kind = 1 << iota
	// KindModify means a file's content changed.
	KindModify
	// KindDelete means a file left the directory.
	KindDelete
)

// AllKinds is the interest set used when a target does not name one.
const AllKinds = KindCreate | KindModify | KindDelete

// Has reports whether k includes every flag in o.
func (k Kind) Has(o Kind) bool { return k&o == o }

// String returns a lower-case name such as "modify" or "create|delete".
func (k Kind) String() string {
	var parts []string
	if k.Has(KindCreate) {
		parts = append(parts, "create")
	}
	if k.Has(KindModify) {
		parts = append(parts, "modify")
	}
	if k.Has(KindDelete) {
		parts = append(parts, "delete")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

const (
	// MaxNameLen bounds the file name carried by a ChangeEvent (NAME_MAX).
	MaxNameLen = 255
	// MaxPathLen bounds a resolved directory + name path (PATH_MAX).
	MaxPathLen = 4096
)

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("watcher: notifier closed")

// WatchTarget is a directory registered for change notification together
// with the kinds of change it cares about.
type WatchTarget struct {
	Dir      string
	Interest Kind
}

// ChangeEvent is one decoded notification.
type ChangeEvent struct {
	Kind Kind
	// Name is the file name relative to Target.Dir. It is empty for events
	// about the directory itself.
	Name   string
	Target WatchTarget
	// Truncated is set when the raw name was longer than the name bound and
	// Name holds only its prefix.
	Truncated bool
}

// Notifier delivers ChangeEvents for a fixed set of WatchTargets.
// A Notifier is owned by a single goroutine; only Close may be called from
// elsewhere.
type Notifier interface {
	// Wait blocks until events are available or timeout elapses. A timeout
	// or an interrupted wait returns (nil, nil). Any error means the
	// notifier can no longer be used.
	Wait(timeout time.Duration) ([]ChangeEvent, error)
	// Targets returns the registered targets.
	Targets() []WatchTarget
	// Errors returns the number of recoverable notification errors seen so
	// far (malformed records, backend error reports, failed scans).
	Errors() int64
	// Close releases the subscription and then the multiplexing handle.
	// Every release is attempted; failures are joined.
	Close() error
}

// Backend names a Notifier implementation.
type Backend string

const (
	BackendInotify  Backend = "inotify"
	BackendFSNotify Backend = "fsnotify"
	BackendPoll     Backend = "poll"
)

// DefaultBackend returns inotify on Linux and fsnotify elsewhere.
func DefaultBackend() Backend {
	if runtime.GOOS == "linux" {
		return BackendInotify
	}
	return BackendFSNotify
}

// DefaultPollInterval is the scan frequency of the poll backend.
const DefaultPollInterval = 500 * time.Millisecond

// Options tunes Open.
type Options struct {
	Logger *slog.Logger
	// PollInterval is used by the poll backend only. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration
	// MaxNameLen overrides MaxNameLen; tests use it to exercise truncation.
	MaxNameLen int
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxNameLen <= 0 {
		o.MaxNameLen = MaxNameLen
	}
}

// Open registers targets with the named backend. It fails if any directory
// is empty, missing, not a directory, or unreadable, or if the backend
// cannot create its subscription. Nothing is left open on failure.
func Open(backend Backend, targets []WatchTarget, opts Options) (Notifier, error) {
	opts.applyDefaults()

	if len(targets) == 0 {
		return nil, errors.New("watcher: no watch targets")
	}
	normalised := make([]WatchTarget, 0, len(targets))
	for _, t := range targets {
		nt, err := register(t)
		if err != nil {
			return nil, err
		}
		normalised = append(normalised, nt)
	}

	switch backend {
	case BackendInotify:
		n, err := newInotifyNotifier(normalised, opts)
		if err != nil {
			return nil, err
		}
		return n, nil
	case BackendFSNotify:
		n, err := newFSNotifier(normalised, opts)
		if err != nil {
			return nil, err
		}
		return n, nil
	case BackendPoll:
		return newPollNotifier(normalised, opts), nil
	default:
		return nil, fmt.Errorf("watcher: unknown backend %q", backend)
	}
}

// register validates a single target and returns it with a cleaned path and
// a non-empty interest set.
func register(t WatchTarget) (WatchTarget, error) {
	if t.Dir == "" {
		return WatchTarget{}, errors.New("watcher: watch directory is empty")
	}
	dir := filepath.Clean(t.Dir)
	info, err := os.Stat(dir)
	if err != nil {
		return WatchTarget{}, fmt.Errorf("watcher: stat %q: %w", dir, err)
	}
	if !info.IsDir() {
		return WatchTarget{}, fmt.Errorf("watcher: %q is not a directory", dir)
	}
	f, err := os.Open(dir)
	if err != nil {
		return WatchTarget{}, fmt.Errorf("watcher: %q is not readable: %w", dir, err)
	}
	_ = f.Close()

	interest := t.Interest
	if interest == 0 {
		interest = AllKinds
	}
	return WatchTarget{Dir: dir, Interest: interest}, nil
}

// boundName truncates name to max bytes.
func boundName(name string, max int) (string, bool) {
	if len(name) <= max {
		return name, false
	}
	return name[:max], true
}

// ResolvePath joins dir and name, truncating the result to MaxPathLen bytes.
// truncated reports whether the path was cut; callers must log it.
func ResolvePath(dir, name string) (path string, truncated bool) {
	path = filepath.Join(dir, name)
	if len(path) > MaxPathLen {
		return path[:MaxPathLen], true
	}
	return path, false
}
