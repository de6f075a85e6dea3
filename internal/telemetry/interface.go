package telemetry

import (
	"context"
	"time"
)

// Recorder receives one sample per control loop iteration.
type Recorder interface {
	Record(ctx context.Context, sample *Sample) error
}

// Sample is the controller state observed in one loop iteration.
type Sample struct {
	Timestamp        time.Time `json:"timestamp"`
	Mode             string    `json:"mode"`
	Temperature      float64   `json:"temperature"`
	TemperatureValid bool      `json:"temperature_valid"`
	RPM              float64   `json:"rpm"`
	RPMValid         bool      `json:"rpm_valid"`
	DutyCycle        int       `json:"duty_cycle"`
	Range            int       `json:"range"`
	PolicyApplied    bool      `json:"policy_applied"`
}

// DutyPercent returns the duty cycle as a percentage of the PWM range.
func (s Sample) DutyPercent() float64 {
	if s.Range <= 0 {
		return 0
	}
	return 100 * float64(s.DutyCycle) / float64(s.Range)
}
