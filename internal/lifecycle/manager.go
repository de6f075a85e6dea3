// Package lifecycle owns the hardware session from setup to teardown and
// guarantees the fan pin is released on every exit path.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"codeberg.org/mutker/pifanctl/internal/control"
	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/fan"
	"codeberg.org/mutker/pifanctl/internal/hardware"
	"codeberg.org/mutker/pifanctl/internal/logger"
	"codeberg.org/mutker/pifanctl/internal/tach"
	"codeberg.org/mutker/pifanctl/internal/telemetry"
	"codeberg.org/mutker/pifanctl/internal/thermal"
)

type State int32

const (
	Initializing State = iota
	Running
	Terminating
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

type Config struct {
	Mode        control.RunMode
	PWMPin      int
	TachPin     int
	Pwm         fan.PwmConfig
	Interval    time.Duration
	UpdateEvery int
}

type Deps struct {
	OpenPort func() (hardware.Port, error)
	Sensor   thermal.Source
	// Display shows the interactive status block; nil disables it.
	Display    control.Display
	Recorders  []telemetry.Recorder
	Notify     func(c chan<- os.Signal, sig ...os.Signal)
	StopNotify func(c chan<- os.Signal)
}

type Manager struct {
	cfg    Config
	deps   Deps
	logger logger.Logger
	state  atomic.Int32
}

func NewManager(cfg Config, deps Deps, log logger.Logger) *Manager {
	if deps.Notify == nil {
		deps.Notify = signal.Notify
	}
	if deps.StopNotify == nil {
		deps.StopNotify = signal.Stop
	}

	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: log,
	}
	m.state.Store(int32(Initializing))

	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.logger.Debug().Str("state", s.String()).Msg("Lifecycle state changed")
}

// session holds whatever part of the hardware setup has completed.
type session struct {
	port hardware.Port
	fan  *fan.Controller
	tach *tach.Monitor
}

// Run sets up the hardware, runs the control loop until ctx is cancelled or
// SIGINT/SIGTERM arrives, and always tears the hardware down. It returns a
// non-nil error only when setup fails.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.setState(Initializing)

	// The subscription outlives teardown: a second signal during terminate
	// must not fall back to the default action and skip the release.
	sigs := make(chan os.Signal, 1)
	m.deps.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer m.deps.StopNotify(sigs)

	var sess session
	// Runs on every path out of Run, panics included.
	defer m.terminate(&sess)

	go m.handleSignals(ctx, sigs, cancel)

	loop, err := m.initialize(&sess)
	if err != nil {
		m.logger.Error().Err(err).Msg("Initialisation failed")
		return err
	}

	m.logger.Info().
		Str("mode", m.cfg.Mode.String()).
		Int("pwm_pin", m.cfg.PWMPin).
		Msg("Initialisation complete")
	m.setState(Running)

	return loop.Run(ctx)
}

func (m *Manager) handleSignals(ctx context.Context, sigs <-chan os.Signal, cancel context.CancelFunc) {
	select {
	case sig := <-sigs:
		m.logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
		cancel()
	case <-ctx.Done():
	}
}

func (m *Manager) initialize(sess *session) (*control.Loop, error) {
	errFactory := errors.New()

	port, err := m.deps.OpenPort()
	if err != nil {
		return nil, setupError(err)
	}
	sess.port = port

	sess.fan = fan.NewController(port, m.cfg.PWMPin, m.cfg.Pwm, m.logger)
	if err := sess.fan.Configure(); err != nil {
		return nil, setupError(err)
	}

	options := []control.Option{control.WithRecorders(m.deps.Recorders...)}

	if m.cfg.Mode == control.Interactive {
		mon := tach.New(port, m.logger)
		if err := mon.Arm(m.cfg.TachPin); err != nil {
			return nil, setupError(err)
		}
		sess.tach = mon
		options = append(options, control.WithSpeedEstimator(mon))

		if m.deps.Display != nil {
			options = append(options, control.WithDisplay(m.deps.Display))
		}
	}

	loop, err := control.New(control.Options{
		Mode:        m.cfg.Mode,
		Interval:    m.cfg.Interval,
		UpdateEvery: m.cfg.UpdateEvery,
	}, sess.fan, m.deps.Sensor, m.logger, options...)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrSetup, err)
	}

	return loop, nil
}

func setupError(err error) error {
	if errors.HasCode(err, errors.ErrSetup) {
		return err
	}
	return errors.New().Wrap(errors.ErrSetup, err)
}

// terminate releases the pin, disarms the tachometer and closes the port.
// Failures are logged and otherwise ignored.
func (m *Manager) terminate(sess *session) {
	m.setState(Terminating)
	m.logger.Info().Msg("Terminating")

	if sess.fan != nil {
		if err := sess.fan.Release(); err != nil {
			m.logger.Error().Err(err).Msg("Failed to release PWM pin")
		}
	}
	if sess.tach != nil {
		if err := sess.tach.Disarm(); err != nil {
			m.logger.Error().Err(err).Msg("Failed to disarm tachometer")
		}
	}
	if sess.port != nil {
		if err := sess.port.Close(); err != nil {
			m.logger.Error().Err(err).Msg("Failed to close hardware session")
		}
	}
}
