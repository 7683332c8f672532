package firmware

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate claims size bytes for f where the filesystem supports it.
func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}
	return err
}
