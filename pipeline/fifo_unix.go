//go:build !windows
// +build !windows

package pipeline

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func makeFifo(path string) error {
	return unix.Mkfifo(path, 0o600)
}

// openFifoWriter opens the write end without blocking. errNoReader means
// the consumer has not opened its end yet. The returned file stays in
// non-blocking mode so it is pollable and honours write deadlines.
func openFifoWriter(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return nil, errNoReader
		}
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	return os.NewFile(uintptr(fd), path), nil
}
