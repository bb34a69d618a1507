//go:build linux

package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// maxEpollEvents is the number of ready descriptors fetched per epoll_wait.
const maxEpollEvents = 64

// inotifyBufSize holds many records per read: each record is the 16-byte
// header plus up to NAME_MAX+1 bytes of name.
const inotifyBufSize = 64 * (inotifyHeaderSize + MaxNameLen + 1)

// InotifyNotifier multiplexes a non-blocking inotify descriptor through
// epoll. The inotify descriptor is the subscription; the epoll descriptor is
// the multiplexing handle.
type InotifyNotifier struct {
	logger  *slog.Logger
	epollFd int
	inoFd   int
	targets []WatchTarget
	byWd    map[int32]WatchTarget
	decoder *Decoder

	buf    []byte
	events []unix.EpollEvent

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func newInotifyNotifier(targets []WatchTarget, opts Options) (*InotifyNotifier, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify notifier: epoll_create1: %w", err)
	}

	ifd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("inotify notifier: inotify_init1: %w", err)
	}

	release := func() {
		_ = unix.Close(ifd)
		_ = unix.Close(epfd)
	}

	n := &InotifyNotifier{
		logger:  opts.Logger,
		epollFd: epfd,
		inoFd:   ifd,
		targets: targets,
		byWd:    make(map[int32]WatchTarget, len(targets)),
		buf:     make([]byte, inotifyBufSize),
		events:  make([]unix.EpollEvent, maxEpollEvents),
	}

	for _, t := range targets {
		wd, err := unix.InotifyAddWatch(ifd, t.Dir, maskFor(t.Interest))
		if err != nil {
			release()
			return nil, fmt.Errorf("inotify notifier: watch %q: %w", t.Dir, err)
		}
		n.byWd[int32(wd)] = t
		n.logger.Info("inotify notifier: watching directory",
			slog.String("dir", t.Dir),
			slog.String("interest", t.Interest.String()),
			slog.Int("wd", wd))
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(ifd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, ifd, &ev); err != nil {
		release()
		return nil, fmt.Errorf("inotify notifier: epoll_ctl add: %w", err)
	}

	n.decoder = NewDecoder(n.lookup, opts.MaxNameLen, opts.Logger)
	return n, nil
}

func (n *InotifyNotifier) lookup(wd int32) (WatchTarget, bool) {
	t, ok := n.byWd[wd]
	return t, ok
}

// Targets returns the registered targets.
func (n *InotifyNotifier) Targets() []WatchTarget { return n.targets }

// Errors returns the number of malformed inotify buffers seen.
func (n *InotifyNotifier) Errors() int64 { return n.decoder.Malformed() }

// Wait blocks in epoll_wait for at most timeout, then drains and decodes
// every pending inotify record. EINTR is reported as an empty, successful
// wait.
func (n *InotifyNotifier) Wait(timeout time.Duration) ([]ChangeEvent, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	ready, err := unix.EpollWait(n.epollFd, n.events, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("inotify notifier: epoll_wait: %w", err)
	}

	var out []ChangeEvent
	for i := 0; i < ready; i++ {
		ev := n.events[i]
		if ev.Fd != int32(n.inoFd) {
			continue
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			return out, fmt.Errorf("inotify notifier: descriptor error (events=%#x)", ev.Events)
		}
		decoded, err := n.drain()
		out = append(out, decoded...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// drain reads the non-blocking inotify descriptor until it would block.
// Several filesystem changes may be coalesced into one read.
func (n *InotifyNotifier) drain() ([]ChangeEvent, error) {
	var out []ChangeEvent
	for {
		r, err := unix.Read(n.inoFd, n.buf)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return out, nil
			case errors.Is(err, unix.EINTR):
				continue
			default:
				return out, fmt.Errorf("inotify notifier: read: %w", err)
			}
		}
		if r <= 0 {
			return out, nil
		}

		events, err := n.decoder.Decode(n.buf[:r])
		if err != nil {
			n.logger.Warn("inotify notifier: discarding undecodable event buffer",
				slog.Int("bytes", r),
				slog.Any("error", err))
			continue
		}
		out = append(out, events...)
	}
}

// Close releases the inotify subscription and then the epoll handle. Both
// are attempted even if the first fails. Close is idempotent.
func (n *InotifyNotifier) Close() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		var errs []error
		if err := unix.Close(n.inoFd); err != nil {
			errs = append(errs, fmt.Errorf("inotify notifier: close inotify fd: %w", err))
		}
		if err := unix.Close(n.epollFd); err != nil {
			errs = append(errs, fmt.Errorf("inotify notifier: close epoll fd: %w", err))
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}
