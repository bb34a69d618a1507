//go:build !unix

package reader

import (
	"fmt"
	"io"
	"os"
)

// mapFile reads the first n bytes of f. Platforms without mmap fall back to
// a plain positional read.
func mapFile(f *os.File, n int) ([]byte, error) {
	buf := make([]byte, n)
	m, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read: %w", err)
	}
	return buf[:m], nil
}
