package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/pifanctl/internal/config"
	"codeberg.org/mutker/pifanctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "pifanctl.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
log_level = "debug"
backend = "sim"
pwm_pin = 18
tach_pin = 23
pwm_range = 200
sensor = "gopsutil"
sensor_key = "cpu_thermal"
daemon_interval = "5s"
update_every = 3
metrics = true
metrics_db = "/path/to/metrics.db"
listen = "127.0.0.1:9100"
`)

	// Set environment variable to point to the test config file
	t.Setenv("PIFANCTL_CONFIG", configPath)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, config.BackendSim, cfg.Backend)
	assert.Equal(t, 18, cfg.PWMPin)
	assert.Equal(t, 23, cfg.TachPin)
	assert.Equal(t, 200, cfg.PWMRange)
	assert.Equal(t, config.SensorGopsutil, cfg.Sensor)
	assert.Equal(t, "cpu_thermal", cfg.SensorKey)
	assert.Equal(t, 5*time.Second, cfg.DaemonInterval)
	assert.Equal(t, 3, cfg.UpdateEvery)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "/path/to/metrics.db", cfg.MetricsDB)
	assert.Equal(t, "127.0.0.1:9100", cfg.Listen)
}

func TestLoadDefaults(t *testing.T) {
	// Ensure no config file is used
	t.Setenv("PIFANCTL_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err, "Failed to load config")

	assert.False(t, cfg.Daemon)
	assert.False(t, cfg.Foreground)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, config.BackendRPIO, cfg.Backend)
	assert.Equal(t, 19, cfg.PWMPin)
	assert.Equal(t, 17, cfg.TachPin)
	assert.Equal(t, 19_200_000, cfg.BaseClock)
	assert.Equal(t, 25_000, cfg.TargetFreq)
	assert.Equal(t, 100, cfg.PWMRange)
	assert.Equal(t, config.SensorSysfs, cfg.Sensor)
	assert.Equal(t, "/sys/class/thermal/thermal_zone0/temp", cfg.SensorPath)
	assert.Equal(t, 10*time.Second, cfg.DaemonInterval)
	assert.Equal(t, time.Second, cfg.InteractiveInterval)
	assert.Equal(t, 6, cfg.UpdateEvery)
	assert.False(t, cfg.Metrics)
	assert.Empty(t, cfg.Listen)
}

func TestFlagsOverrideFileAndEnv(t *testing.T) {
	configPath := writeConfig(t, `
pwm_pin = 18
log_level = "info"
`)
	t.Setenv("PIFANCTL_CONFIG", configPath)
	t.Setenv("PIFANCTL_LOG_LEVEL", "error")

	cfg, err := config.Load([]string{"--pwm-pin", "13", "--daemon"})
	require.NoError(t, err)

	assert.Equal(t, 13, cfg.PWMPin, "flag beats config file")
	assert.Equal(t, "error", cfg.LogLevel, "environment beats config file")
	assert.True(t, cfg.Daemon)
}

func TestWithConfigFileOption(t *testing.T) {
	configPath := writeConfig(t, `tach_pin = 27`)
	t.Setenv("PIFANCTL_CONFIG", "")

	cfg, err := config.Load(nil, config.WithConfigFile(configPath))
	require.NoError(t, err)
	assert.Equal(t, 27, cfg.TachPin)
}

func TestWithEnvPrefixOption(t *testing.T) {
	t.Setenv("FANCTL_CONFIG", "")
	t.Setenv("FANCTL_PWM_RANGE", "50")

	cfg, err := config.Load(nil, config.WithEnvPrefix("FANCTL"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.PWMRange)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("PIFANCTL_CONFIG", configPath)

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestMissingExplicitConfigFile(t *testing.T) {
	t.Setenv("PIFANCTL_CONFIG", filepath.Join(t.TempDir(), "missing.toml"))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("PIFANCTL_CONFIG", writeConfig(t, `log_level = "invalid"`))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
	assert.Contains(t, err.Error(), "invalid")
}

func TestLogLevelFlag(t *testing.T) {
	t.Setenv("PIFANCTL_CONFIG", "")

	cfg, err := config.Load([]string{"--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel, "Expected LogLevel to be set by flag")
}

func TestUnknownFlag(t *testing.T) {
	t.Setenv("PIFANCTL_CONFIG", "")

	_, err := config.Load([]string{"--no-such-flag"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrBindFlags))
}

func TestValidate(t *testing.T) {
	t.Setenv("PIFANCTL_CONFIG", "")

	tests := []struct {
		name string
		args []string
		code errors.ErrorCode
	}{
		{"daemon and foreground", []string{"--daemon", "--foreground"}, errors.ErrInvalidConfig},
		{"unknown backend", []string{"--backend", "pigpio"}, errors.ErrInvalidConfig},
		{"unknown sensor", []string{"--sensor", "ipmi"}, errors.ErrInvalidConfig},
		{"same pins", []string{"--pwm-pin", "17"}, errors.ErrInvalidConfig},
		{"zero range", []string{"--pwm-range", "0"}, errors.ErrInvalidConfig},
		{"zero interval", []string{"--daemon-interval", "0s"}, errors.ErrInvalidInterval},
		{"zero update every", []string{"--update-every", "0"}, errors.ErrInvalidConfig},
		{"metrics without db", []string{"--metrics", "--metrics-db", ""}, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(tt.args)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}
