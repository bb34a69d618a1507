//go:build unix

package reader

import (
	"bytes"
	"fmt"
	"os"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// mapFile maps the first n bytes of f read-only and returns a private copy.
// The mapping is released before returning on every path. If the file is
// truncated while mapped, the resulting SIGBUS is turned into an error.
func mapFile(f *os.File, n int) (data []byte, err error) {
	m, err := unix.Mmap(int(f.Fd()), 0, n, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	defer func() {
		if uerr := unix.Munmap(m); uerr != nil && err == nil {
			err = fmt.Errorf("munmap: %w", uerr)
		}
	}()

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("fault while copying mapping: %v", r)
		}
	}()

	return bytes.Clone(m), nil
}
