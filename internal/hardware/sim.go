package hardware

import (
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
)

const (
	defaultSimMaxRPM = 3000
	simIdlePoll      = 100 * time.Millisecond
	simEdgesPerRev   = 2
)

// Sim is an in-memory Port. It records every call so the resulting pin
// state can be inspected, and can emit tachometer edges proportional to the
// last written duty cycle.
type Sim struct {
	mu        sync.Mutex
	start     time.Time
	clock     func() time.Duration
	modes     map[int]PinMode
	pulls     map[int]Pull
	duty      map[int]int
	writes    map[int][]int
	calls     []string
	markSpace bool
	rng       int
	divisor   int
	lastDuty  int
	failures  map[string]error
	onWrite   func(pin, duty int)
	armed     map[int]*simInterrupt
	maxRPM    int
	closed    bool

	// dispatchMu serializes handler invocations.
	dispatchMu sync.Mutex
}

// SimOption customizes a Sim.
type SimOption func(*Sim)

// WithClock replaces the monotonic clock returned by Now.
func WithClock(clock func() time.Duration) SimOption {
	return func(s *Sim) {
		s.clock = clock
	}
}

// WithPulseGenerator makes armed interrupts receive falling edges as a fan
// spinning at maxRPM × duty / range would produce them.
func WithPulseGenerator(maxRPM int) SimOption {
	return func(s *Sim) {
		s.maxRPM = maxRPM
	}
}

// NewSim returns an idle simulated port.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		start:    time.Now(),
		modes:    make(map[int]PinMode),
		pulls:    make(map[int]Pull),
		duty:     make(map[int]int),
		writes:   make(map[int][]int),
		failures: make(map[string]error),
		armed:    make(map[int]*simInterrupt),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// FailOn makes every later call of the named Port method return err. A nil
// err clears the failure.
func (s *Sim) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

// OnWrite registers a hook called after every successful WritePwm.
func (s *Sim) OnWrite(hook func(pin, duty int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = hook
}

// begin records a call and returns the injected failure, if any. Callers
// hold s.mu.
func (s *Sim) begin(method string, args ...any) error {
	s.calls = append(s.calls, fmt.Sprintf("%s%v", method, args))

	if s.closed {
		return errors.New().WithData(errors.ErrInvalidOperation, "port closed")
	}

	return s.failures[method]
}

func (s *Sim) ConfigurePinMode(pin int, mode PinMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("ConfigurePinMode", pin, mode); err != nil {
		return err
	}
	s.modes[pin] = mode

	return nil
}

func (s *Sim) ConfigurePullResistor(pin int, pull Pull) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("ConfigurePullResistor", pin, pull); err != nil {
		return err
	}
	s.pulls[pin] = pull

	return nil
}

func (s *Sim) SetPwmOutputMode(markSpace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("SetPwmOutputMode", markSpace); err != nil {
		return err
	}
	s.markSpace = markSpace

	return nil
}

func (s *Sim) SetPwmRange(rng int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("SetPwmRange", rng); err != nil {
		return err
	}
	if rng <= 0 {
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("pwm range %d", rng))
	}
	s.rng = rng

	return nil
}

func (s *Sim) SetPwmClockDivisor(divisor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("SetPwmClockDivisor", divisor); err != nil {
		return err
	}
	if divisor < 1 || divisor > maxClockDivisor {
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("clock divisor %d", divisor))
	}
	s.divisor = divisor

	return nil
}

func (s *Sim) WritePwm(pin, duty int) error {
	s.mu.Lock()
	if err := s.begin("WritePwm", pin, duty); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.rng == 0 {
		s.mu.Unlock()
		return errors.New().WithData(errors.ErrInvalidOperation, "pwm range not set")
	}
	if duty < 0 || duty > s.rng {
		s.mu.Unlock()
		return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("duty cycle %d outside [0, %d]", duty, s.rng))
	}
	s.duty[pin] = duty
	s.writes[pin] = append(s.writes[pin], duty)
	s.lastDuty = duty
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(pin, duty)
	}

	return nil
}

func (s *Sim) ArmEdgeInterrupt(pin int, edge Edge, handler EdgeHandler) (Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("ArmEdgeInterrupt", pin, edge); err != nil {
		return nil, err
	}
	if _, ok := s.armed[pin]; ok {
		return nil, errors.New().WithData(errors.ErrInvalidOperation, fmt.Sprintf("pin %d already armed", pin))
	}

	irq := &simInterrupt{sim: s, pin: pin, handler: handler}
	s.armed[pin] = irq

	if s.maxRPM > 0 {
		irq.stop = make(chan struct{})
		irq.done = make(chan struct{})
		go s.pulse(irq)
	}

	return irq, nil
}

func (s *Sim) Now() time.Duration {
	if s.clock != nil {
		return s.clock()
	}
	// Offset keeps timestamps strictly positive.
	return time.Since(s.start) + time.Second
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.calls = append(s.calls, "Close[]")
	s.closed = true
	armed := make([]*simInterrupt, 0, len(s.armed))
	for _, irq := range s.armed {
		armed = append(armed, irq)
	}
	s.mu.Unlock()

	for _, irq := range armed {
		irq.disarm()
	}

	return nil
}

// Fire delivers a falling edge on pin to its armed handler. A zero ts is
// replaced by Now. It reports whether a handler was armed.
func (s *Sim) Fire(pin int, ts time.Duration) bool {
	s.mu.Lock()
	irq, ok := s.armed[pin]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if ts == 0 {
		ts = s.Now()
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	irq.handler(EdgeEvent{Pin: pin, Timestamp: ts})

	return true
}

func (s *Sim) edgeInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rng == 0 || s.lastDuty == 0 {
		return 0
	}
	rpm := float64(s.maxRPM) * float64(s.lastDuty) / float64(s.rng)

	return time.Duration(float64(time.Minute) / (rpm * simEdgesPerRev))
}

func (s *Sim) pulse(irq *simInterrupt) {
	defer close(irq.done)

	for {
		wait := s.edgeInterval()
		idle := wait <= 0
		if idle {
			wait = simIdlePoll
		}

		select {
		case <-irq.stop:
			return
		case <-time.After(wait):
			if !idle {
				s.Fire(irq.pin, 0)
			}
		}
	}
}

// PinMode returns the last mode configured for pin.
func (s *Sim) PinMode(pin int) (PinMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode, ok := s.modes[pin]
	return mode, ok
}

// PullResistor returns the last pull configured for pin.
func (s *Sim) PullResistor(pin int) (Pull, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pull, ok := s.pulls[pin]
	return pull, ok
}

// PwmSettings returns the programmed output mode, range and clock divisor.
func (s *Sim) PwmSettings() (markSpace bool, rng, divisor int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markSpace, s.rng, s.divisor
}

// Writes returns every duty cycle written to pin, oldest first.
func (s *Sim) Writes(pin int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	writes := make([]int, len(s.writes[pin]))
	copy(writes, s.writes[pin])
	return writes
}

// Calls returns the recorded method calls, oldest first.
func (s *Sim) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]string, len(s.calls))
	copy(calls, s.calls)
	return calls
}

// Armed reports whether an interrupt is registered on pin.
func (s *Sim) Armed(pin int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[pin]
	return ok
}

// Closed reports whether Close has been called.
func (s *Sim) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type simInterrupt struct {
	sim     *Sim
	pin     int
	handler EdgeHandler
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (irq *simInterrupt) Disarm() error {
	s := irq.sim
	s.mu.Lock()
	s.calls = append(s.calls, fmt.Sprintf("Disarm[%d]", irq.pin))
	err := s.failures["Disarm"]
	s.mu.Unlock()

	irq.disarm()

	return err
}

func (irq *simInterrupt) disarm() {
	irq.once.Do(func() {
		s := irq.sim
		s.mu.Lock()
		if s.armed[irq.pin] == irq {
			delete(s.armed, irq.pin)
		}
		s.mu.Unlock()

		if irq.stop != nil {
			close(irq.stop)
			<-irq.done
		}
	})
}
