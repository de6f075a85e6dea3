// Package fan drives the PWM fan output with a hysteretic duty-cycle policy.
package fan

import (
	"fmt"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/hardware"
	"codeberg.org/mutker/pifanctl/internal/logger"
)

// Controller owns the PWM pin. It is used from a single goroutine.
type Controller struct {
	port       hardware.Port
	pin        int
	cfg        PwmConfig
	duty       int
	configured bool
	logger     logger.Logger
}

func NewController(port hardware.Port, pin int, cfg PwmConfig, log logger.Logger) *Controller {
	return &Controller{
		port:   port,
		pin:    pin,
		cfg:    cfg,
		logger: log,
	}
}

// Configure programs the PWM peripheral and starts the fan at duty cycle 0.
func (c *Controller) Configure() error {
	errFactory := errors.New()

	if c.configured {
		return errFactory.WithData(errors.ErrInvalidOperation, "fan controller already configured")
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"pin mode", func() error { return c.port.ConfigurePinMode(c.pin, hardware.PWMOutput) }},
		{"output mode", func() error { return c.port.SetPwmOutputMode(true) }},
		{"range", func() error { return c.port.SetPwmRange(c.cfg.Range) }},
		{"clock divisor", func() error { return c.port.SetPwmClockDivisor(c.cfg.Divisor) }},
		{"initial duty cycle", func() error { return c.port.WritePwm(c.pin, 0) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return errFactory.Wrap(errors.ErrSetup, err).WithData(fmt.Sprintf("pin %d: %s", c.pin, step.name))
		}
	}

	c.duty = 0
	c.configured = true

	c.logger.Debug().
		Int("pin", c.pin).
		Int("range", c.cfg.Range).
		Int("divisor", c.cfg.Divisor).
		Float64("frequency", c.cfg.EffectiveFreq()).
		Msg("PWM output configured")

	return nil
}

// Step applies the policy for temperature and writes the result. On a write
// failure the remembered duty cycle stays at the last value written.
func (c *Controller) Step(temperature float64) (int, error) {
	next := NextDutyCycle(c.duty, temperature, c.cfg.Range)
	if next != c.duty {
		c.logger.Debug().
			Float64("temperature", temperature).
			Int("from", c.duty).
			Int("to", next).
			Msg("Duty cycle changed")
	}

	if err := c.WriteDutyCycle(next); err != nil {
		return c.duty, err
	}

	return c.duty, nil
}

// WriteDutyCycle writes value to the PWM pin once.
func (c *Controller) WriteDutyCycle(value int) error {
	errFactory := errors.New()

	if !c.configured {
		return errFactory.WithData(errors.ErrInvalidOperation, "fan controller not configured")
	}

	if err := c.port.WritePwm(c.pin, value); err != nil {
		return errFactory.Wrap(errors.ErrHardwareWrite, err).WithData(fmt.Sprintf("duty cycle %d", value))
	}
	c.duty = value

	return nil
}

// DutyCycle returns the last duty cycle written.
func (c *Controller) DutyCycle() int {
	return c.duty
}

// Range returns the configured PWM range.
func (c *Controller) Range() int {
	return c.cfg.Range
}

// Release returns the PWM pin to high-impedance input.
func (c *Controller) Release() error {
	if err := c.port.ConfigurePinMode(c.pin, hardware.Input); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err).WithData(fmt.Sprintf("pin %d", c.pin))
	}
	c.configured = false

	return nil
}
