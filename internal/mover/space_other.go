//go:build !(linux || darwin || freebsd)

package mover

import (
	"errors"
	"syscall"
)

func availableBytes(string) (uint64, error) {
	return 0, errors.ErrUnsupported
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

func isNoSpace(error) bool {
	return false
}
