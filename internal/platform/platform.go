// Package platform holds OS-specific file helpers.
package platform

import (
	"errors"
	"os"
)

// ErrNoSpace is returned by Preallocate when the filesystem cannot hold the
// requested size.
var ErrNoSpace = errors.New("platform: insufficient disk space")

// Preallocate reserves size bytes for f without changing its apparent
// length, so a write that would later run out of space fails up front.
// Filesystems that cannot reserve space are treated as success.
func Preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	return preallocate(f, size)
}
