package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/pid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "PIFANCTL"
	DefaultLogLevel   = string(LogLevelWarning)
	defaultConfigName = "pifanctl"
	defaultConfigDir  = "/etc"
)

type Config struct {
	Daemon              bool          `mapstructure:"daemon"`
	Foreground          bool          `mapstructure:"foreground"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	Backend             string        `mapstructure:"backend"`
	GPIOChip            string        `mapstructure:"gpio_chip"`
	PWMPin              int           `mapstructure:"pwm_pin"`
	TachPin             int           `mapstructure:"tach_pin"`
	BaseClock           int           `mapstructure:"base_clock"`
	TargetFreq          int           `mapstructure:"target_freq"`
	PWMRange            int           `mapstructure:"pwm_range"`
	Sensor              string        `mapstructure:"sensor"`
	SensorPath          string        `mapstructure:"sensor_path"`
	SensorKey           string        `mapstructure:"sensor_key"`
	DaemonInterval      time.Duration `mapstructure:"daemon_interval"`
	InteractiveInterval time.Duration `mapstructure:"interactive_interval"`
	UpdateEvery         int           `mapstructure:"update_every"`
	PIDFile             string        `mapstructure:"pid_file"`
	Metrics             bool          `mapstructure:"metrics"`
	MetricsDB           string        `mapstructure:"metrics_db"`
	Listen              string        `mapstructure:"listen"`
}

type flagSpec struct {
	key   string
	name  string
	value any
	usage string
}

func flagSpecs() []flagSpec {
	return []flagSpec{
		{"daemon", "daemon", false, "Run as a background service"},
		{"foreground", "foreground", false, "Run interactively with live telemetry"},
		{"log_level", "log-level", DefaultLogLevel, "Log level (debug, info, warning, error)"},
		{"log_file", "log-file", "/var/log/pifanctl.log", "Log file used in daemon mode"},
		{"backend", "backend", BackendRPIO, "Hardware backend (rpio, sim)"},
		{"gpio_chip", "gpio-chip", "gpiochip0", "GPIO character device used for tachometer events"},
		{"pwm_pin", "pwm-pin", 19, "BCM number of the PWM output pin"},
		{"tach_pin", "tach-pin", 17, "BCM number of the tachometer input pin"},
		{"base_clock", "base-clock", 19_200_000, "PWM base clock in Hz"},
		{"target_freq", "target-freq", 25_000, "Target PWM frequency in Hz"},
		{"pwm_range", "pwm-range", 100, "PWM range (maximum duty cycle)"},
		{"sensor", "sensor", SensorSysfs, "Temperature source (sysfs, gopsutil)"},
		{"sensor_path", "sensor-path", "/sys/class/thermal/thermal_zone0/temp", "Thermal zone file for the sysfs source"},
		{"sensor_key", "sensor-key", "", "Sensor key for the gopsutil source"},
		{"daemon_interval", "daemon-interval", 10 * time.Second, "Sampling interval in daemon mode"},
		{"interactive_interval", "interactive-interval", time.Second, "Sampling interval in interactive mode"},
		{"update_every", "update-every", 6, "Interactive iterations per duty cycle update"},
		{"pid_file", "pid-file", pid.DefaultPath(), "PID file path"},
		{"metrics", "metrics", false, "Record samples to the metrics database"},
		{"metrics_db", "metrics-db", "/var/lib/pifanctl/metrics.db", "Metrics database path"},
		{"listen", "listen", "", "Address of the read-only status API (disabled when empty)"},
	}
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("pifanctl", pflag.ContinueOnError)
	fs.String("config", "", "Configuration file (TOML)")

	for _, spec := range flagSpecs() {
		switch v := spec.value.(type) {
		case bool:
			fs.Bool(spec.name, v, spec.usage)
		case int:
			fs.Int(spec.name, v, spec.usage)
		case string:
			fs.String(spec.name, v, spec.usage)
		case time.Duration:
			fs.Duration(spec.name, v, spec.usage)
		}
	}

	return fs
}

// Load reads the configuration from flags, environment and the config file,
// in that order of precedence, and validates it.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	for _, spec := range flagSpecs() {
		if err := v.BindPFlag(spec.key, fs.Lookup(spec.name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configPath := o.configPath
	if configPath == "" {
		configPath, _ = fs.GetString("config")
	}
	if configPath == "" {
		configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("toml")
		v.AddConfigPath(defaultConfigDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the loaded values for consistency.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Daemon && c.Foreground {
		return errFactory.WithData(errors.ErrInvalidConfig, "daemon and foreground are mutually exclusive")
	}

	switch c.Backend {
	case BackendRPIO, BackendSim:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown backend "+c.Backend)
	}

	switch c.Sensor {
	case SensorSysfs:
		if c.SensorPath == "" {
			return errFactory.WithData(errors.ErrInvalidConfig, "sensor_path is required for the sysfs sensor")
		}
	case SensorGopsutil:
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "unknown sensor "+c.Sensor)
	}

	if c.PWMPin < 0 || c.TachPin < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "pin numbers must not be negative")
	}

	if c.PWMPin == c.TachPin {
		return errFactory.WithData(errors.ErrInvalidConfig, "pwm_pin and tach_pin must differ")
	}

	if c.BaseClock <= 0 || c.TargetFreq <= 0 || c.PWMRange <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "base_clock, target_freq and pwm_range must be positive")
	}

	if c.DaemonInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.DaemonInterval)
	}

	if c.InteractiveInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.InteractiveInterval)
	}

	if c.UpdateEvery < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, "update_every must be at least 1")
	}

	if c.Metrics && c.MetricsDB == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "metrics_db is required when metrics are enabled")
	}

	return nil
}
