package lifecycle

import (
	"bytes"
	"context"
	stderrors "errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"codeberg.org/mutker/pifanctl/internal/control"
	"codeberg.org/mutker/pifanctl/internal/display"
	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/fan"
	"codeberg.org/mutker/pifanctl/internal/hardware"
	"codeberg.org/mutker/pifanctl/internal/logger"
	"codeberg.org/mutker/pifanctl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pwmPin  = 19
	tachPin = 17
)

type constantSensor float64

func (c constantSensor) ReadCelsius(context.Context) (float64, error) { return float64(c), nil }

type panicSensor struct{}

func (panicSensor) ReadCelsius(context.Context) (float64, error) { panic("sensor exploded") }

// signalRecorder captures the channel the manager subscribes.
type signalRecorder struct {
	mu sync.Mutex
	ch chan<- os.Signal
}

func (s *signalRecorder) notify(c chan<- os.Signal, _ ...os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = c
}

func (s *signalRecorder) send(sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch <- sig
}

func newManager(t *testing.T, mode control.RunMode, interval time.Duration, sim *hardware.Sim, deps Deps) *Manager {
	t.Helper()

	pwm, err := fan.NewPwmConfig(19_200_000, 25_000, 100)
	require.NoError(t, err)

	deps.OpenPort = func() (hardware.Port, error) { return sim, nil }
	if deps.Sensor == nil {
		deps.Sensor = constantSensor(60)
	}
	if deps.Notify == nil {
		deps.Notify = func(chan<- os.Signal, ...os.Signal) {}
	}
	if deps.StopNotify == nil {
		deps.StopNotify = func(chan<- os.Signal) {}
	}

	return NewManager(Config{
		Mode:        mode,
		PWMPin:      pwmPin,
		TachPin:     tachPin,
		Pwm:         pwm,
		Interval:    interval,
		UpdateEvery: 1,
	}, deps, logger.Get())
}

func assertReleased(t *testing.T, sim *hardware.Sim) {
	t.Helper()

	mode, ok := sim.PinMode(pwmPin)
	require.True(t, ok)
	assert.Equal(t, hardware.Input, mode)
	assert.False(t, sim.Armed(tachPin))
	assert.True(t, sim.Closed())
}

func TestTerminateBeforeFirstIteration(t *testing.T) {
	sim := hardware.NewSim()
	store := telemetry.NewStore()
	m := newManager(t, control.Daemon, time.Hour, sim, Deps{Recorders: []telemetry.Recorder{store}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.Run(ctx))

	assert.Zero(t, store.Count())
	assert.Equal(t, []int{0}, sim.Writes(pwmPin))
	assert.Equal(t, Terminating, m.State())
	assertReleased(t, sim)
}

func TestTerminateDuringSleep(t *testing.T) {
	sim := hardware.NewSim()
	store := telemetry.NewStore()
	m := newManager(t, control.Daemon, time.Hour, sim, Deps{Recorders: []telemetry.Recorder{store}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Running, m.State())
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assertReleased(t, sim)
}

func TestTerminateAfterPwmWrite(t *testing.T) {
	sim := hardware.NewSim()
	m := newManager(t, control.Daemon, time.Millisecond, sim, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writes := 0
	sim.OnWrite(func(pin, _ int) {
		if pin != pwmPin {
			return
		}
		writes++
		// The first write is the initial zero from setup.
		if writes == 3 {
			cancel()
		}
	})

	require.NoError(t, m.Run(ctx))

	assert.Equal(t, []int{0, 10, 20}, sim.Writes(pwmPin))
	assertReleased(t, sim)
}

func TestTerminateOnSignal(t *testing.T) {
	sim := hardware.NewSim()
	sigs := &signalRecorder{}
	m := newManager(t, control.Daemon, time.Hour, sim, Deps{Notify: sigs.notify})

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool { return m.State() == Running }, 2*time.Second, 5*time.Millisecond)
	sigs.send(syscall.SIGTERM)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager ignored SIGTERM")
	}
	assertReleased(t, sim)
}

func TestSignalsStayTrappedDuringTeardown(t *testing.T) {
	sim := hardware.NewSim()
	sigs := &signalRecorder{}

	var releasedBeforeStop bool
	stopNotify := func(chan<- os.Signal) {
		mode, ok := sim.PinMode(pwmPin)
		releasedBeforeStop = ok && mode == hardware.Input && sim.Closed()
	}
	m := newManager(t, control.Daemon, time.Hour, sim, Deps{Notify: sigs.notify, StopNotify: stopNotify})

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool { return m.State() == Running }, 2*time.Second, 5*time.Millisecond)
	sigs.send(syscall.SIGTERM)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager ignored SIGTERM")
	}
	assert.True(t, releasedBeforeStop, "signal subscription dropped before the pin was released")
	assertReleased(t, sim)
}

func TestSetupFailureStillReleases(t *testing.T) {
	for _, method := range []string{"SetPwmRange", "SetPwmClockDivisor", "WritePwm"} {
		t.Run(method, func(t *testing.T) {
			sim := hardware.NewSim()
			sim.FailOn(method, stderrors.New("rejected"))
			m := newManager(t, control.Daemon, time.Millisecond, sim, Deps{})

			err := m.Run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrSetup))
			assertReleased(t, sim)
		})
	}
}

func TestTachArmFailure(t *testing.T) {
	sim := hardware.NewSim()
	sim.FailOn("ArmEdgeInterrupt", stderrors.New("line busy"))
	m := newManager(t, control.Interactive, time.Millisecond, sim, Deps{})

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSetup))
	assertReleased(t, sim)
}

func TestOpenPortFailure(t *testing.T) {
	m := newManager(t, control.Daemon, time.Millisecond, hardware.NewSim(), Deps{})
	m.deps.OpenPort = func() (hardware.Port, error) {
		return nil, stderrors.New("/dev/mem: permission denied")
	}

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSetup))
	assert.Equal(t, Terminating, m.State())
}

func TestInteractiveArmsTachAndRenders(t *testing.T) {
	sim := hardware.NewSim()
	var out bytes.Buffer
	store := telemetry.NewStore()
	m := newManager(t, control.Interactive, time.Millisecond, sim, Deps{
		Display:   display.New(&out),
		Recorders: []telemetry.Recorder{store},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return sim.Armed(tachPin) }, 2*time.Second, time.Millisecond)
	sim.Fire(tachPin, 2*time.Second)
	sim.Fire(tachPin, 2*time.Second+20*time.Millisecond)

	require.Eventually(t, func() bool {
		s, ok := store.Latest()
		return ok && s.RPMValid
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	latest, _ := store.Latest()
	assert.InDelta(t, 1500.0, latest.RPM, 1e-6)
	assert.Contains(t, out.String(), "Duty cycle:")
	assertReleased(t, sim)
}

func TestPanicStillReleases(t *testing.T) {
	sim := hardware.NewSim()
	m := newManager(t, control.Daemon, time.Millisecond, sim, Deps{Sensor: panicSensor{}})

	assert.Panics(t, func() {
		_ = m.Run(context.Background())
	})
	assertReleased(t, sim)
}
