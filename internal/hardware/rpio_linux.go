//go:build linux

package hardware

import (
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"github.com/stianeikeland/go-rpio/v4"
	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"
)

// rpioDevices is where go-rpio maps the register blocks from. /dev/mem comes
// first and needs root; the clock and PWM blocks are only reachable through it.
const rpioDevices = "/dev/mem (falling back to /dev/gpiomem)"

// rpioPort programs the BCM283x/BCM2711 register blocks and takes edge
// events from the GPIO character device.
type rpioPort struct {
	chip      string
	baseClock int
	consumer  string

	rng      int
	divisor  int
	pwmPins  map[int]struct{}
	armed    map[int]*cdevInterrupt
	armedMu  sync.Mutex
	closed   bool
	closeErr error
}

func openRPIO(opts Options) (Port, error) {
	if err := rpio.Open(); err != nil {
		return nil, rpioSetupError(err)
	}

	chip := opts.Chip
	if chip == "" {
		chip = "gpiochip0"
	}
	consumer := opts.Consumer
	if consumer == "" {
		consumer = "pifanctl"
	}

	return &rpioPort{
		chip:      chip,
		baseClock: opts.BaseClock,
		consumer:  consumer,
		pwmPins:   make(map[int]struct{}),
		armed:     make(map[int]*cdevInterrupt),
	}, nil
}

func (p *rpioPort) ConfigurePinMode(pin int, mode PinMode) error {
	if err := p.usable(); err != nil {
		return err
	}

	gpio := rpio.Pin(pin)
	switch mode {
	case Input:
		gpio.Input()
		delete(p.pwmPins, pin)
	case Output:
		gpio.Output()
		delete(p.pwmPins, pin)
	case PWMOutput:
		gpio.Mode(rpio.Pwm)
		p.pwmPins[pin] = struct{}{}
	default:
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("pin mode %d", mode))
	}

	return nil
}

func (p *rpioPort) ConfigurePullResistor(pin int, pull Pull) error {
	if err := p.usable(); err != nil {
		return err
	}

	gpio := rpio.Pin(pin)
	switch pull {
	case PullOff:
		gpio.PullOff()
	case PullDown:
		gpio.PullDown()
	case PullUp:
		gpio.PullUp()
	default:
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("pull %d", pull))
	}

	return nil
}

// SetPwmOutputMode accepts mark-space only: go-rpio always enables the
// channel in M/S mode when it writes a duty cycle.
func (p *rpioPort) SetPwmOutputMode(markSpace bool) error {
	if err := p.usable(); err != nil {
		return err
	}
	if !markSpace {
		return errors.New().WithData(errors.ErrUnsupported, "balanced pwm mode")
	}

	return nil
}

func (p *rpioPort) SetPwmRange(rng int) error {
	if err := p.usable(); err != nil {
		return err
	}
	if rng <= 0 {
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("pwm range %d", rng))
	}
	p.rng = rng

	return nil
}

func (p *rpioPort) SetPwmClockDivisor(divisor int) error {
	if err := p.usable(); err != nil {
		return err
	}
	if divisor < 1 || divisor > maxClockDivisor {
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("clock divisor %d", divisor))
	}
	if p.baseClock <= 0 {
		return errors.New().WithData(errors.ErrInvalidOperation, "pwm base clock unknown")
	}
	p.divisor = divisor

	// The PWM clock is shared by both channels.
	for pin := range p.pwmPins {
		rpio.Pin(pin).Freq(pwmClockFreq(p.baseClock, divisor))
	}

	return nil
}

func (p *rpioPort) WritePwm(pin, duty int) error {
	if err := p.usable(); err != nil {
		return err
	}
	if p.rng == 0 {
		return errors.New().WithData(errors.ErrInvalidOperation, "pwm range not set")
	}
	if duty < 0 || duty > p.rng {
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("duty cycle %d outside [0, %d]", duty, p.rng))
	}

	rpio.Pin(pin).DutyCycle(uint32(duty), uint32(p.rng))

	return nil
}

func (p *rpioPort) ArmEdgeInterrupt(pin int, edge Edge, handler EdgeHandler) (Interrupt, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}

	var edgeOpt gpiocdev.LineReqOption
	switch edge {
	case EdgeFalling:
		edgeOpt = gpiocdev.WithFallingEdge
	case EdgeRising:
		edgeOpt = gpiocdev.WithRisingEdge
	case EdgeBoth:
		edgeOpt = gpiocdev.WithBothEdges
	default:
		return nil, errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("edge %d", edge))
	}

	p.armedMu.Lock()
	defer p.armedMu.Unlock()

	if _, ok := p.armed[pin]; ok {
		return nil, errors.New().WithData(errors.ErrInvalidOperation, fmt.Sprintf("pin %d already armed", pin))
	}

	line, err := gpiocdev.RequestLine(p.chip, pin,
		edgeOpt,
		gpiocdev.WithConsumer(p.consumer),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			handler(EdgeEvent{Pin: evt.Offset, Timestamp: evt.Timestamp})
		}),
	)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrSetup, err).WithData("/dev/" + p.chip)
	}

	irq := &cdevInterrupt{port: p, pin: pin, line: line}
	p.armed[pin] = irq

	return irq, nil
}

// Now reads CLOCK_MONOTONIC, the clock the kernel stamps line events with.
func (p *rpioPort) Now() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}

	return time.Duration(ts.Nano())
}

func (p *rpioPort) Close() error {
	if p.closed {
		return p.closeErr
	}
	p.closed = true

	p.armedMu.Lock()
	armed := make([]*cdevInterrupt, 0, len(p.armed))
	for _, irq := range p.armed {
		armed = append(armed, irq)
	}
	p.armedMu.Unlock()

	var errs []error
	for _, irq := range armed {
		if err := irq.Disarm(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := rpio.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		p.closeErr = errors.New().Wrap(errors.ErrShutdownFailed, errors.Join(errs...))
	}

	return p.closeErr
}

func rpioSetupError(err error) error {
	return errors.New().Wrap(errors.ErrSetup, err).WithData(rpioDevices)
}

// pwmClockFreq is the PWM clock rate for a divisor of the nominal base
// clock. go-rpio derives its own divisor from the SoC's source oscillator.
func pwmClockFreq(baseClock, divisor int) int {
	return baseClock / divisor
}

func (p *rpioPort) usable() error {
	if p.closed {
		return errors.New().WithData(errors.ErrInvalidOperation, "port closed")
	}

	return nil
}

type cdevInterrupt struct {
	port *rpioPort
	pin  int
	line *gpiocdev.Line
	once sync.Once
	err  error
}

func (irq *cdevInterrupt) Disarm() error {
	irq.once.Do(func() {
		irq.port.armedMu.Lock()
		if irq.port.armed[irq.pin] == irq {
			delete(irq.port.armed, irq.pin)
		}
		irq.port.armedMu.Unlock()

		irq.err = irq.line.Close()
	})

	return irq.err
}
