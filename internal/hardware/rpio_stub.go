//go:build !linux

package hardware

import "codeberg.org/mutker/pifanctl/internal/errors"

func openRPIO(Options) (Port, error) {
	return nil, errors.New().Wrap(errors.ErrSetup,
		errors.New().WithMessage(errors.ErrUnsupported, "rpio backend requires linux"))
}
