package fan

const (
	// LowTemperature is the threshold below which the duty cycle drops.
	LowTemperature = 45.0
	// HighTemperature is the threshold above which the duty cycle rises.
	HighTemperature = 55.0
	// Step is the duty-cycle change per policy application.
	Step = 10
)

// NextDutyCycle applies one hysteresis step. Between the thresholds the
// duty cycle is held; it never leaves [0, rng].
func NextDutyCycle(current int, temperature float64, rng int) int {
	switch {
	case temperature < LowTemperature && current >= Step:
		return current - Step
	case temperature > HighTemperature && current <= rng-Step:
		return current + Step
	default:
		return current
	}
}
