//go:build linux || darwin || freebsd

package mover

import (
	"errors"

	"golang.org/x/sys/unix"
)

// availableBytes returns the space available to unprivileged users on the
// filesystem holding path.
func availableBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}

	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}

func isNoSpace(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}
