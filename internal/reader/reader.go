// Package reader returns the new content of a log file each time the watcher
// reports that it changed.
//
// Two modes are supported:
//
//   - ModeTail (default) remembers a byte offset per path and returns only
//     the bytes appended since the previous read. Only complete lines are
//     consumed; a trailing partial line stays on disk until its newline
//     arrives, unless the unread delta is at least the read cap, in which
//     case the capped chunk is consumed as-is.
//   - ModeSnapshot maps the whole file into memory on every call and returns
//     at most the read cap, silently dropping the rest. Every call re-reads
//     lines that were already returned.
//
// Offsets are kept in memory only; they are lost on restart.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Mode selects how Read treats content that has already been returned.
type Mode string

const (
	// ModeTail reads only the bytes appended since the previous Read.
	ModeTail Mode = "tail"
	// ModeSnapshot re-reads the whole file (up to the cap) on every Read.
	ModeSnapshot Mode = "snapshot"
)

// ErrNotRegular is returned when the path does not name a regular file.
var ErrNotRegular = errors.New("reader: not a regular file")

// Reader reads changed log files. It is safe for concurrent use.
type Reader struct {
	mode    Mode
	maxRead int

	mu      sync.Mutex
	offsets map[string]int64
}

// New returns a Reader in the given mode that never returns more than
// maxRead bytes from a single call.
func New(mode Mode, maxRead int) (*Reader, error) {
	if mode != ModeTail && mode != ModeSnapshot {
		return nil, fmt.Errorf("reader: unknown mode %q", mode)
	}
	if maxRead < 1 {
		return nil, fmt.Errorf("reader: read cap must be positive, got %d", maxRead)
	}
	return &Reader{
		mode:    mode,
		maxRead: maxRead,
		offsets: make(map[string]int64),
	}, nil
}

// Mode returns the read mode.
func (r *Reader) Mode() Mode { return r.mode }

// Read returns the new content of path. An empty file, or a file with no new
// complete lines, yields an empty result and a nil error.
func (r *Reader) Read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reader: open %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("reader: stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("reader: %q: %w", path, ErrNotRegular)
	}

	size := info.Size()
	if r.mode == ModeSnapshot {
		if size == 0 {
			return nil, nil
		}
		n := size
		if n > int64(r.maxRead) {
			n = int64(r.maxRead)
		}
		data, err := mapFile(f, int(n))
		if err != nil {
			return nil, fmt.Errorf("reader: map %q: %w", path, err)
		}
		return data, nil
	}
	return r.tail(f, path, size)
}

func (r *Reader) tail(f *os.File, path string, size int64) ([]byte, error) {
	r.mu.Lock()
	off := r.offsets[path]
	r.mu.Unlock()

	// The file shrank below what we already consumed: it was truncated or
	// replaced, so start over.
	if size < off {
		off = 0
	}
	if size == off {
		r.setOffset(path, off)
		return nil, nil
	}

	want := size - off
	if want > int64(r.maxRead) {
		want = int64(r.maxRead)
	}
	buf := make([]byte, want)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reader: read %q at %d: %w", path, off, err)
	}
	buf = buf[:n]

	consume := len(buf)
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		consume = i + 1
	} else if len(buf) < r.maxRead {
		consume = 0
	}

	r.setOffset(path, off+int64(consume))
	if consume == 0 {
		return nil, nil
	}
	return buf[:consume], nil
}

func (r *Reader) setOffset(path string, off int64) {
	r.mu.Lock()
	r.offsets[path] = off
	r.mu.Unlock()
}

// Prime positions path at its current end so that only content written after
// this call is returned. It is a no-op in ModeSnapshot.
func (r *Reader) Prime(path string) error {
	if r.mode != ModeTail {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("reader: stat %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("reader: %q: %w", path, ErrNotRegular)
	}
	r.setOffset(path, info.Size())
	return nil
}

// Reset rewinds path to the beginning, e.g. after the file was re-created.
func (r *Reader) Reset(path string) {
	r.setOffset(path, 0)
}

// Forget drops the offset for path, e.g. after the file was deleted.
func (r *Reader) Forget(path string) {
	r.mu.Lock()
	delete(r.offsets, path)
	r.mu.Unlock()
}

// Offset returns the current tail offset for path and whether one is known.
func (r *Reader) Offset(path string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	off, ok := r.offsets[path]
	return off, ok
}

// Tracked returns the number of paths with a remembered offset.
func (r *Reader) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offsets)
}

// SplitLines splits content on '\n'. The empty element that follows a final
// newline is dropped; empty lines in the middle are kept.
func SplitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	lines := bytes.Split(content, []byte{'\n'})
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	return lines
}
