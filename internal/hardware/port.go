// Package hardware exposes the GPIO capabilities the fan controller needs:
// pin configuration, PWM programming and edge-triggered interrupts.
package hardware

import (
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
)

// PinMode selects the function of a GPIO pin.
type PinMode int

const (
	Input PinMode = iota
	Output
	PWMOutput
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case PWMOutput:
		return "pwm"
	default:
		return "unknown"
	}
}

// Pull selects the internal pull resistor of an input pin.
type Pull int

const (
	PullOff Pull = iota
	PullDown
	PullUp
)

// Edge selects which transitions raise an interrupt.
type Edge int

const (
	EdgeFalling Edge = iota
	EdgeRising
	EdgeBoth
)

// EdgeEvent describes one detected transition. Timestamp is taken from the
// same monotonic clock as Port.Now; zero means the backend had none.
type EdgeEvent struct {
	Pin       int
	Timestamp time.Duration
}

// EdgeHandler is invoked from the backend's event context. Invocations for
// one registration are serialized; handlers must not block.
type EdgeHandler func(EdgeEvent)

// Interrupt is the handle of an armed edge registration.
type Interrupt interface {
	// Disarm cancels the registration. The handler may still run once while
	// Disarm is in progress.
	Disarm() error
}

// Port is a hardware session. It is owned by a single goroutine except for
// the edge handlers it invokes.
type Port interface {
	ConfigurePinMode(pin int, mode PinMode) error
	ConfigurePullResistor(pin int, pull Pull) error
	// SetPwmOutputMode, SetPwmRange and SetPwmClockDivisor must be called in
	// that order before the first WritePwm.
	SetPwmOutputMode(markSpace bool) error
	SetPwmRange(rng int) error
	SetPwmClockDivisor(divisor int) error
	WritePwm(pin, duty int) error
	ArmEdgeInterrupt(pin int, edge Edge, handler EdgeHandler) (Interrupt, error)
	// Now reads the monotonic clock used for edge timestamps. Safe to call
	// from an EdgeHandler.
	Now() time.Duration
	Close() error
}

// Options selects and parameterizes a backend.
type Options struct {
	Backend   string
	Chip      string
	BaseClock int
	Consumer  string
}

const (
	BackendRPIO = "rpio"
	BackendSim  = "sim"

	// maxClockDivisor is the width of the BCM2835 PWM clock divider.
	maxClockDivisor = 4095
)

// Open starts a hardware session on the selected backend.
func Open(opts Options) (Port, error) {
	errFactory := errors.New()

	switch opts.Backend {
	case BackendRPIO:
		return openRPIO(opts)
	case BackendSim:
		return NewSim(WithPulseGenerator(defaultSimMaxRPM)), nil
	default:
		return nil, errFactory.WithData(errors.ErrSetup, "unknown hardware backend "+opts.Backend)
	}
}
