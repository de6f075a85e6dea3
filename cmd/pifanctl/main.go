package main

import (
	"context"
	"fmt"
	"os"

	"codeberg.org/mutker/pifanctl/internal/config"
	"codeberg.org/mutker/pifanctl/internal/control"
	"codeberg.org/mutker/pifanctl/internal/display"
	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/fan"
	"codeberg.org/mutker/pifanctl/internal/hardware"
	"codeberg.org/mutker/pifanctl/internal/lifecycle"
	"codeberg.org/mutker/pifanctl/internal/logger"
	"codeberg.org/mutker/pifanctl/internal/metrics"
	"codeberg.org/mutker/pifanctl/internal/pid"
	"codeberg.org/mutker/pifanctl/internal/status"
	"codeberg.org/mutker/pifanctl/internal/telemetry"
	"codeberg.org/mutker/pifanctl/internal/thermal"
	"github.com/spf13/pflag"
)

const (
	exitOK      = 0
	exitFailure = 1
	serviceName = "pifanctl"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx := context.Background()

	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "%s: failed to load config: %v\n", serviceName, err)
		return exitFailure
	}

	mode, err := lifecycle.NewDetector().Detect(ctx, cfg.Daemon, cfg.Foreground)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		return exitFailure
	}

	var disp *display.Renderer
	if mode == control.Interactive {
		disp = display.New(os.Stdout)
	}

	closeLog := initLogging(cfg, mode, disp)
	defer closeLog()
	logger.Debug().Str("mode", mode.String()).Msg("Config loaded")

	if mode == control.Daemon {
		if err := lifecycle.RedirectStdio(); err != nil {
			logger.Warn().Err(err).Msg("Failed to detach standard streams")
		}
	}

	if err := pid.Write(cfg.PIDFile); err != nil {
		logError(err, "Failed to write PID file")
		return exitFailure
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	sensor, err := thermal.New(thermal.Options{
		Source: cfg.Sensor,
		Path:   cfg.SensorPath,
		Key:    cfg.SensorKey,
	})
	if err != nil {
		logError(err, "Failed to set up temperature source")
		return exitFailure
	}

	pwm, err := fan.NewPwmConfig(cfg.BaseClock, cfg.TargetFreq, cfg.PWMRange)
	if err != nil {
		logError(err, "Invalid PWM configuration")
		return exitFailure
	}

	store := telemetry.NewStore()
	recorders := []telemetry.Recorder{store}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics
	metricsCfg.DBPath = cfg.MetricsDB
	collector, err := metrics.NewService(metricsCfg, logger.Get())
	if err != nil {
		logError(err, "Failed to initialize metrics")
		return exitFailure
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close metrics")
		}
	}()

	var history status.HistorySource
	if cfg.Metrics {
		recorders = append(recorders, collector)
		history = collector
	}

	if cfg.Listen != "" {
		srv := status.NewServer(store, history, mode.String(), logger.Get())
		go func() {
			if err := srv.Start(cfg.Listen); err != nil {
				logger.Error().Err(err).Str("address", cfg.Listen).Msg("Status API stopped")
			}
		}()
		defer func() {
			if err := srv.Shutdown(); err != nil {
				logger.Warn().Err(err).Msg("Failed to shut down status API")
			}
		}()
	}

	interval := cfg.DaemonInterval
	var statusDisplay control.Display
	if mode == control.Interactive {
		interval = cfg.InteractiveInterval
		statusDisplay = disp
	}

	mgr := lifecycle.NewManager(lifecycle.Config{
		Mode:        mode,
		PWMPin:      cfg.PWMPin,
		TachPin:     cfg.TachPin,
		Pwm:         pwm,
		Interval:    interval,
		UpdateEvery: cfg.UpdateEvery,
	}, lifecycle.Deps{
		OpenPort: func() (hardware.Port, error) {
			return hardware.Open(hardware.Options{
				Backend:   cfg.Backend,
				Chip:      cfg.GPIOChip,
				BaseClock: cfg.BaseClock,
				Consumer:  serviceName,
			})
		},
		Sensor:    sensor,
		Display:   statusDisplay,
		Recorders: recorders,
	}, logger.Get())

	if err := mgr.Run(ctx); err != nil {
		return exitFailure
	}

	logger.Info().Msg("Exiting...")
	return exitOK
}

// initLogging sends interactive logs through the status display and daemon
// logs to the log file, or syslog when the file cannot be opened.
func initLogging(cfg *config.Config, mode control.RunMode, disp *display.Renderer) func() {
	if mode == control.Interactive {
		logger.Init(logger.Options{Level: cfg.LogLevel, Output: disp.LogWriter()})
		return func() {}
	}

	// Lifecycle events are part of the daemon log unless explicitly silenced.
	level := cfg.LogLevel
	if level == config.DefaultLogLevel {
		level = string(config.LogLevelInfo)
	}

	out, err := logger.OpenServiceOutput(cfg.LogFile, serviceName)
	if err != nil {
		logger.Init(logger.Options{Level: level, Service: true})
		logger.Warn().Err(err).Msg("Logging to stderr")
		return func() {}
	}

	logger.Init(logger.Options{Level: level, Service: true, Output: out})
	return func() { out.Close() }
}

func logError(err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		logger.ErrorWithCode(appErr).Msg(msg)
		return
	}
	logger.Error().Err(err).Msg(msg)
}
