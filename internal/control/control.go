// Package control runs the periodic read-temperature, apply-policy loop.
package control

import (
	"context"
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/logger"
	"codeberg.org/mutker/pifanctl/internal/telemetry"
	"codeberg.org/mutker/pifanctl/internal/thermal"
)

// RunMode selects the cadence and outputs of the loop.
type RunMode int

const (
	Daemon RunMode = iota
	Interactive
)

func (m RunMode) String() string {
	switch m {
	case Daemon:
		return "daemon"
	case Interactive:
		return "interactive"
	default:
		return "unknown"
	}
}

const (
	DefaultDaemonInterval      = 10 * time.Second
	DefaultInteractiveInterval = time.Second
	DefaultUpdateEvery         = 6
)

// Fan is the part of the fan controller the loop drives.
type Fan interface {
	Step(temperature float64) (int, error)
	DutyCycle() int
	Range() int
}

// SpeedEstimator reports the measured fan speed, if known.
type SpeedEstimator interface {
	CurrentSpeedEstimate() (rpm float64, ok bool)
}

// Display shows one sample to the operator.
type Display interface {
	Render(sample telemetry.Sample) error
}

type Options struct {
	Mode     RunMode
	Interval time.Duration
	// UpdateEvery is the number of interactive iterations per policy
	// application. Daemon mode applies the policy every iteration.
	UpdateEvery int
}

// Option attaches optional collaborators to a Loop.
type Option func(*Loop)

func WithSpeedEstimator(est SpeedEstimator) Option {
	return func(l *Loop) {
		l.speed = est
	}
}

func WithDisplay(d Display) Option {
	return func(l *Loop) {
		l.display = d
	}
}

func WithRecorders(recorders ...telemetry.Recorder) Option {
	return func(l *Loop) {
		l.recorders = append(l.recorders, recorders...)
	}
}

// Loop is driven by a single goroutine; only Run blocks.
type Loop struct {
	opts      Options
	fan       Fan
	sensor    thermal.Source
	speed     SpeedEstimator
	display   Display
	recorders []telemetry.Recorder
	logger    logger.Logger

	iterations int
}

func New(opts Options, fan Fan, sensor thermal.Source, log logger.Logger, options ...Option) (*Loop, error) {
	errFactory := errors.New()

	if opts.Interval <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, opts.Interval.String())
	}
	if opts.UpdateEvery < 1 {
		opts.UpdateEvery = 1
	}

	l := &Loop{
		opts:   opts,
		fan:    fan,
		sensor: sensor,
		logger: log,
	}
	for _, opt := range options {
		opt(l)
	}

	return l, nil
}

// Run iterates until ctx is cancelled, then returns nil. Cancellation is
// observed at the top of every iteration and during the sleep.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().
		Str("mode", l.opts.Mode.String()).
		Dur("interval", l.opts.Interval).
		Int("update_every", l.updateEvery()).
		Msg("Control loop started")

	// The counter starts full so the first iteration applies the policy.
	sincePolicy := l.updateEvery() - 1

	for {
		if ctx.Err() != nil {
			l.logger.Debug().Int("iterations", l.iterations).Msg("Control loop stopped")
			return nil
		}

		sincePolicy++
		apply := sincePolicy >= l.updateEvery()
		if apply {
			sincePolicy = 0
		}
		l.iterate(ctx, apply)

		if !sleep(ctx, l.opts.Interval) {
			l.logger.Debug().Int("iterations", l.iterations).Msg("Control loop stopped")
			return nil
		}
	}
}

// Iterations returns the number of completed iterations.
func (l *Loop) Iterations() int {
	return l.iterations
}

func (l *Loop) updateEvery() int {
	if l.opts.Mode == Daemon {
		return 1
	}
	return l.opts.UpdateEvery
}

func (l *Loop) iterate(ctx context.Context, apply bool) {
	sample := telemetry.Sample{
		Timestamp: time.Now(),
		Mode:      l.opts.Mode.String(),
	}

	temperature, err := l.sensor.ReadCelsius(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Temperature read failed, keeping duty cycle")
	} else {
		sample.Temperature = temperature
		sample.TemperatureValid = true
	}

	if apply && sample.TemperatureValid {
		if _, err := l.fan.Step(temperature); err != nil {
			l.logger.Error().Err(err).Float64("temperature", temperature).Msg("Failed to write duty cycle")
		} else {
			sample.PolicyApplied = true
		}
	}

	if l.speed != nil {
		sample.RPM, sample.RPMValid = l.speed.CurrentSpeedEstimate()
	}
	sample.DutyCycle = l.fan.DutyCycle()
	sample.Range = l.fan.Range()

	if l.display != nil {
		if err := l.display.Render(sample); err != nil {
			l.logger.Debug().Err(err).Msg("Failed to render status")
		}
	}

	for _, rec := range l.recorders {
		if err := rec.Record(ctx, &sample); err != nil {
			l.logger.Debug().Err(err).Msg("Failed to record sample")
		}
	}

	l.iterations++
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
