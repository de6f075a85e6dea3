package hardware

import (
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	port, err := Open(Options{Backend: BackendSim})
	require.NoError(t, err)
	defer port.Close()

	_, err = Open(Options{Backend: "spi"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrSetup))
}

func TestSimPwmProgramming(t *testing.T) {
	sim := NewSim()

	require.NoError(t, sim.ConfigurePinMode(19, PWMOutput))
	require.NoError(t, sim.SetPwmOutputMode(true))
	require.NoError(t, sim.SetPwmRange(100))
	require.NoError(t, sim.SetPwmClockDivisor(8))
	require.NoError(t, sim.WritePwm(19, 0))
	require.NoError(t, sim.WritePwm(19, 40))

	mode, ok := sim.PinMode(19)
	require.True(t, ok)
	assert.Equal(t, PWMOutput, mode)

	markSpace, rng, divisor := sim.PwmSettings()
	assert.True(t, markSpace)
	assert.Equal(t, 100, rng)
	assert.Equal(t, 8, divisor)
	assert.Equal(t, []int{0, 40}, sim.Writes(19))
}

func TestSimRejectsInvalidWrites(t *testing.T) {
	sim := NewSim()

	err := sim.WritePwm(19, 10)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidOperation))

	require.NoError(t, sim.SetPwmRange(100))
	err = sim.WritePwm(19, 101)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	assert.Error(t, sim.SetPwmClockDivisor(0))
	assert.Error(t, sim.SetPwmClockDivisor(maxClockDivisor+1))
	assert.Empty(t, sim.Writes(19))
}

func TestSimFailOn(t *testing.T) {
	sim := NewSim()
	boom := stderrors.New("boom")

	sim.FailOn("SetPwmRange", boom)
	assert.ErrorIs(t, sim.SetPwmRange(100), boom)

	sim.FailOn("SetPwmRange", nil)
	assert.NoError(t, sim.SetPwmRange(100))
}

func TestSimOnWrite(t *testing.T) {
	sim := NewSim()
	require.NoError(t, sim.SetPwmRange(100))

	var seen []int
	sim.OnWrite(func(pin, duty int) {
		assert.Equal(t, 19, pin)
		seen = append(seen, duty)
	})

	require.NoError(t, sim.WritePwm(19, 10))
	require.NoError(t, sim.WritePwm(19, 20))
	assert.Equal(t, []int{10, 20}, seen)
}

func TestSimFire(t *testing.T) {
	sim := NewSim(WithClock(func() time.Duration { return 5 * time.Second }))

	assert.False(t, sim.Fire(17, 0))

	var got []EdgeEvent
	irq, err := sim.ArmEdgeInterrupt(17, EdgeFalling, func(evt EdgeEvent) {
		got = append(got, evt)
	})
	require.NoError(t, err)
	assert.True(t, sim.Armed(17))

	_, err = sim.ArmEdgeInterrupt(17, EdgeFalling, func(EdgeEvent) {})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidOperation))

	assert.True(t, sim.Fire(17, time.Second))
	assert.True(t, sim.Fire(17, 0))
	assert.Equal(t, []EdgeEvent{
		{Pin: 17, Timestamp: time.Second},
		{Pin: 17, Timestamp: 5 * time.Second},
	}, got)

	require.NoError(t, irq.Disarm())
	assert.False(t, sim.Armed(17))
	assert.False(t, sim.Fire(17, 0))
	assert.NoError(t, irq.Disarm())
}

func TestSimNowIsPositive(t *testing.T) {
	sim := NewSim()
	assert.Greater(t, sim.Now(), time.Duration(0))
}

func TestSimPulseGenerator(t *testing.T) {
	sim := NewSim(WithPulseGenerator(3000))
	require.NoError(t, sim.SetPwmRange(100))
	require.NoError(t, sim.WritePwm(19, 100))

	var edges atomic.Int64
	irq, err := sim.ArmEdgeInterrupt(17, EdgeFalling, func(EdgeEvent) {
		edges.Add(1)
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return edges.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, irq.Disarm())
	after := edges.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, edges.Load())
}

func TestSimClose(t *testing.T) {
	sim := NewSim()
	_, err := sim.ArmEdgeInterrupt(17, EdgeFalling, func(EdgeEvent) {})
	require.NoError(t, err)

	require.NoError(t, sim.Close())
	assert.True(t, sim.Closed())
	assert.False(t, sim.Armed(17))
	assert.True(t, errors.HasCode(sim.ConfigurePinMode(19, Input), errors.ErrInvalidOperation))
	assert.NoError(t, sim.Close())
}
