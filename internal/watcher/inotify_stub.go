// This file provides a stub InotifyNotifier for non-Linux platforms. On
// Linux, the real implementation in inotify_linux.go is compiled instead.
//
//go:build !linux

package watcher

import (
	"errors"
	"time"
)

// InotifyNotifier is the platform stub for non-Linux operating systems.
// Use the fsnotify or poll backend instead.
type InotifyNotifier struct{}

func newInotifyNotifier(_ []WatchTarget, _ Options) (*InotifyNotifier, error) {
	return nil, errors.New("inotify notifier: not supported on this platform; use the fsnotify or poll backend")
}

// Wait always fails on non-Linux platforms.
func (n *InotifyNotifier) Wait(_ time.Duration) ([]ChangeEvent, error) { return nil, ErrClosed }

// Targets returns nil on non-Linux platforms.
func (n *InotifyNotifier) Targets() []WatchTarget { return nil }

// Errors returns zero on non-Linux platforms.
func (n *InotifyNotifier) Errors() int64 { return 0 }

// Close is a no-op on non-Linux platforms.
func (n *InotifyNotifier) Close() error { return nil }
