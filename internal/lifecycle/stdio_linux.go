//go:build linux

package lifecycle

import (
	"os"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"golang.org/x/sys/unix"
)

// RedirectStdio points stdin, stdout and stderr at /dev/null so a detached
// daemon never blocks on or writes to a terminal.
func RedirectStdio() error {
	errFactory := errors.New()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitFailed, err)
	}
	defer devNull.Close()

	for _, fd := range []int{unix.Stdin, unix.Stdout, unix.Stderr} {
		if err := unix.Dup3(int(devNull.Fd()), fd, 0); err != nil {
			return errFactory.Wrap(errors.ErrInitFailed, err).WithData(fd)
		}
	}

	return nil
}
