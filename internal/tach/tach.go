// Package tach measures fan speed by timing falling edges of the fan's
// speed-sense line.
//
// The edge handler and the control loop share two words: the timestamp of
// the first edge of a pair and the last measured period. Both are atomics;
// the handler is the only writer of either, the loop only reads the period.
package tach

import (
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/hardware"
	"codeberg.org/mutker/pifanctl/internal/logger"
)

// PulsesPerRevolution is the number of falling edges a standard PC fan
// emits per turn.
const PulsesPerRevolution = 2

// Monitor publishes the period between two consecutive falling edges.
type Monitor struct {
	port hardware.Port
	log  logger.Logger

	// period is the last measured edge interval in nanoseconds, 0 if none.
	period atomic.Int64
	// pending is the timestamp of an unpaired edge, 0 if none.
	pending atomic.Int64

	mu  sync.Mutex
	irq hardware.Interrupt
	pin int
}

func New(port hardware.Port, log logger.Logger) *Monitor {
	return &Monitor{
		port: port,
		log:  log,
	}
}

// Arm configures pin as a pulled-up input and starts timing its falling
// edges.
func (m *Monitor) Arm(pin int) error {
	errFactory := errors.New()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.irq != nil {
		return errFactory.WithData(errors.ErrInvalidOperation, "tachometer already armed")
	}

	if err := m.port.ConfigurePinMode(pin, hardware.Input); err != nil {
		return errFactory.Wrap(errors.ErrSetup, err)
	}
	if err := m.port.ConfigurePullResistor(pin, hardware.PullUp); err != nil {
		return errFactory.Wrap(errors.ErrSetup, err)
	}

	m.pending.Store(0)

	irq, err := m.port.ArmEdgeInterrupt(pin, hardware.EdgeFalling, m.onEdge)
	if err != nil {
		return errFactory.Wrap(errors.ErrSetup, err)
	}
	m.irq = irq
	m.pin = pin

	m.log.Debug().Int("pin", pin).Msg("Tachometer armed")

	return nil
}

// Disarm stops edge timing. It is a no-op when the monitor is not armed.
func (m *Monitor) Disarm() error {
	m.mu.Lock()
	irq := m.irq
	m.irq = nil
	m.mu.Unlock()

	if irq == nil {
		return nil
	}

	if err := irq.Disarm(); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	m.log.Debug().Int("pin", m.pin).Msg("Tachometer disarmed")

	return nil
}

// Armed reports whether an edge registration is active.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.irq != nil
}

func (m *Monitor) onEdge(evt hardware.EdgeEvent) {
	now := int64(evt.Timestamp)
	if now == 0 {
		now = int64(m.port.Now())
	}

	if prev := m.pending.Swap(0); prev != 0 {
		if now > prev {
			m.period.Store(now - prev)
		}
		return
	}
	m.pending.Store(now)
}

// Period returns the last published edge interval.
func (m *Monitor) Period() (time.Duration, bool) {
	p := m.period.Load()
	if p <= 0 {
		return 0, false
	}
	return time.Duration(p), true
}

// CurrentSpeedEstimate converts the last period into revolutions per minute.
// ok is false until two edges have been seen.
func (m *Monitor) CurrentSpeedEstimate() (rpm float64, ok bool) {
	period, ok := m.Period()
	if !ok {
		return 0, false
	}
	return 60 / (PulsesPerRevolution * period.Seconds()), true
}
