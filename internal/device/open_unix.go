//go:build unix

package device

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openRelease opens path without blocking on the driver and closes it again.
func openRelease(path string) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		switch {
		case errors.Is(err, unix.EBUSY):
			return ErrDeviceBusy
		case errors.Is(err, unix.ENOENT):
			return os.ErrNotExist
		}
		return &os.PathError{Op: "open", Path: path, Err: err}
	}
	return unix.Close(fd)
}
