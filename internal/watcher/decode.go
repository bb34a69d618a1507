package watcher

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Linux inotify event flag constants (kernel ABI, never change).
// These match the values in <sys/inotify.h>. They are declared here rather
// than taken from x/sys/unix so the decoder builds and is tested on every OS.
const (
	inModify    uint32 = 0x2        // IN_MODIFY: file was modified
	inCloseW    uint32 = 0x8        // IN_CLOSE_WRITE: writable file closed
	inMovedFrom uint32 = 0x40       // IN_MOVED_FROM: file moved out of watched dir
	inMovedTo   uint32 = 0x80       // IN_MOVED_TO: file moved into watched dir
	inCreate    uint32 = 0x100      // IN_CREATE: file/dir created in watched dir
	inDelete    uint32 = 0x200      // IN_DELETE: file/dir deleted from watched dir
	inQOverflow uint32 = 0x4000     // IN_Q_OVERFLOW: event queue overflowed
	inIgnored   uint32 = 0x8000     // IN_IGNORED: watch was removed
	inIsDir     uint32 = 0x40000000 // IN_ISDIR: subject of event is a directory
)

// inotifyHeaderSize is the fixed size of struct inotify_event excluding the
// name: wd, mask, cookie, len, four 32-bit fields.
const inotifyHeaderSize = 16

// ErrMalformedRecord is returned by Decode when a buffer does not start with
// a complete inotify record.
var ErrMalformedRecord = errors.New("watcher: malformed inotify record")

// maskFor converts an interest set into an inotify watch mask.
func maskFor(interest Kind) uint32 {
	var m uint32
	if interest.Has(KindCreate) {
		m |= inCreate | inMovedTo
	}
	if interest.Has(KindModify) {
		m |= inModify
	}
	if interest.Has(KindDelete) {
		m |= inDelete | inMovedFrom
	}
	return m
}

// kindOf maps an inotify mask onto a Kind. The second result is false for
// masks that carry none of the kinds we report.
func kindOf(mask uint32) (Kind, bool) {
	switch {
	case mask&(inCreate|inMovedTo) != 0:
		return KindCreate, true
	case mask&(inModify|inCloseW) != 0:
		return KindModify, true
	case mask&(inDelete|inMovedFrom) != 0:
		return KindDelete, true
	}
	return 0, false
}

// Decoder turns raw inotify read buffers into ChangeEvents.
//
// One read(2) on an inotify descriptor may return several variable-length
// records back to back:
//
//	struct inotify_event {
//	    int32_t  wd;      // watch descriptor
//	    uint32_t mask;    // event mask
//	    uint32_t cookie;  // rename correlation cookie
//	    uint32_t len;     // length of name (incl. NUL padding)
//	    char     name[];  // NUL-terminated, padded
//	}
//
// Decode walks the whole buffer; it never assumes one record per read.
type Decoder struct {
	lookup     func(wd int32) (WatchTarget, bool)
	maxNameLen int
	logger     *slog.Logger

	malformed atomic.Int64
}

// NewDecoder returns a Decoder that resolves watch descriptors with lookup.
// maxNameLen <= 0 means MaxNameLen.
func NewDecoder(lookup func(wd int32) (WatchTarget, bool), maxNameLen int, logger *slog.Logger) *Decoder {
	if maxNameLen <= 0 {
		maxNameLen = MaxNameLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{lookup: lookup, maxNameLen: maxNameLen, logger: logger}
}

// Malformed returns the number of buffers that contained a bad record.
func (d *Decoder) Malformed() int64 { return d.malformed.Load() }

// Decode returns the events in buf in order. Records for unknown watch
// descriptors, for sub-directories, and for kinds outside the target's
// interest are skipped. A short or overrunning record is an error only if no
// complete record preceded it; otherwise the rest of the buffer is dropped
// with a warning and the events decoded so far are returned.
func (d *Decoder) Decode(buf []byte) ([]ChangeEvent, error) {
	var (
		events  []ChangeEvent
		records int
		off     int
	)
	for off < len(buf) {
		rest := len(buf) - off
		if rest < inotifyHeaderSize {
			return d.malformedAt(events, records, rest,
				fmt.Sprintf("%d trailing bytes shorter than a record header", rest))
		}

		wd := int32(binary.NativeEndian.Uint32(buf[off:]))
		mask := binary.NativeEndian.Uint32(buf[off+4:])
		nameLen := binary.NativeEndian.Uint32(buf[off+12:])
		if uint64(nameLen) > uint64(rest-inotifyHeaderSize) {
			return d.malformedAt(events, records, rest,
				fmt.Sprintf("name length %d overruns buffer (%d bytes left)", nameLen, rest-inotifyHeaderSize))
		}

		raw := buf[off+inotifyHeaderSize : off+inotifyHeaderSize+int(nameLen)]
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		off += inotifyHeaderSize + int(nameLen)
		records++

		if ev, ok := d.translate(wd, mask, string(raw)); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (d *Decoder) malformedAt(events []ChangeEvent, records, dropped int, why string) ([]ChangeEvent, error) {
	d.malformed.Add(1)
	if records == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMalformedRecord, why)
	}
	d.logger.Warn("inotify decoder: dropping malformed tail of event buffer",
		slog.Int("records_decoded", records),
		slog.Int("bytes_dropped", dropped),
		slog.String("reason", why))
	return events, nil
}

func (d *Decoder) translate(wd int32, mask uint32, name string) (ChangeEvent, bool) {
	if mask&inQOverflow != 0 {
		d.logger.Warn("inotify decoder: kernel event queue overflowed; some events were lost")
		return ChangeEvent{}, false
	}
	if mask&inIgnored != 0 {
		d.logger.Warn("inotify decoder: watch removed by the kernel", slog.Int("wd", int(wd)))
		return ChangeEvent{}, false
	}

	target, ok := d.lookup(wd)
	if !ok {
		return ChangeEvent{}, false
	}
	// Non-recursive: sub-directory entries are not log files.
	if mask&inIsDir != 0 {
		return ChangeEvent{}, false
	}

	kind, ok := kindOf(mask)
	if !ok || !target.Interest.Has(kind) {
		return ChangeEvent{}, false
	}

	name, truncated := boundName(name, d.maxNameLen)
	return ChangeEvent{
		Kind:      kind,
		Name:      name,
		Target:    target,
		Truncated: truncated,
	}, true
}
