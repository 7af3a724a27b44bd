//go:build windows
// +build windows

package pipeline

import (
	"os"
)

func makeFifo(path string) error {
	return ErrFifoUnsupported
}

func openFifoWriter(path string) (*os.File, error) {
	return nil, ErrFifoUnsupported
}
