//go:build !linux

package lifecycle

import "codeberg.org/mutker/pifanctl/internal/errors"

func RedirectStdio() error {
	return errors.New().WithMessage(errors.ErrUnsupported, "stdio redirection requires linux")
}
