// Package thermal reads the CPU temperature the fan policy acts on.
package thermal

import (
	"context"
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"github.com/shirou/gopsutil/v3/host"
)

const (
	SourceSysfs    = "sysfs"
	SourceGopsutil = "gopsutil"

	DefaultSysfsPath = "/sys/class/thermal/thermal_zone0/temp"
)

// Source yields one temperature reading in degrees Celsius per call.
type Source interface {
	ReadCelsius(ctx context.Context) (float64, error)
}

// Options selects a temperature source.
type Options struct {
	Source string
	Path   string
	Key    string
}

// New returns the source named by opts.Source.
func New(opts Options) (Source, error) {
	switch opts.Source {
	case SourceSysfs, "":
		path := opts.Path
		if path == "" {
			path = DefaultSysfsPath
		}
		return NewSysfs(path), nil
	case SourceGopsutil:
		return NewGopsutil(opts.Key), nil
	default:
		return nil, errors.New().WithData(errors.ErrInvalidConfig, "unknown temperature source "+opts.Source)
	}
}

// Sysfs reads a thermal zone file.
type Sysfs struct {
	path string
}

func NewSysfs(path string) *Sysfs {
	return &Sysfs{path: path}
}

func (s *Sysfs) ReadCelsius(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.New().Wrap(errors.ErrSensorRead, err)
	}

	b, err := os.ReadFile(s.path)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrSensorRead, err)
	}

	return parseMilliCelsius(string(b))
}

// parseMilliCelsius converts the kernel's millidegree integer.
func parseMilliCelsius(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New().WithData(errors.ErrSensorRead, "empty temperature")
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrSensorRead, err).WithData(s)
	}

	return float64(n) / 1000.0, nil
}

// Gopsutil reads the host sensors through gopsutil.
type Gopsutil struct {
	key     string
	sensors func(context.Context) ([]host.TemperatureStat, error)
}

// NewGopsutil reads the sensor named key, or the first CPU-like sensor when
// key is empty.
func NewGopsutil(key string) *Gopsutil {
	return &Gopsutil{
		key:     key,
		sensors: host.SensorsTemperaturesWithContext,
	}
}

func (g *Gopsutil) ReadCelsius(ctx context.Context) (float64, error) {
	errFactory := errors.New()

	temps, err := g.sensors(ctx)
	// Partial results come back alongside a warnings error.
	if err != nil && len(temps) == 0 {
		return 0, errFactory.Wrap(errors.ErrSensorRead, err)
	}

	stat, ok := selectSensor(temps, g.key)
	if !ok {
		name := g.key
		if name == "" {
			name = "cpu"
		}
		return 0, errFactory.WithData(errors.ErrSensorRead, "no sensor matching "+name)
	}

	return stat.Temperature, nil
}

var cpuSensorHints = []string{"cpu", "soc", "core", "processor"}

func selectSensor(temps []host.TemperatureStat, key string) (host.TemperatureStat, bool) {
	if key != "" {
		for _, t := range temps {
			if t.SensorKey == key {
				return t, true
			}
		}
		return host.TemperatureStat{}, false
	}

	for _, hint := range cpuSensorHints {
		for _, t := range temps {
			if strings.Contains(strings.ToLower(t.SensorKey), hint) {
				return t, true
			}
		}
	}

	return host.TemperatureStat{}, false
}
