package fan

import (
	"fmt"
	"math"

	"codeberg.org/mutker/pifanctl/internal/errors"
)

const maxClockDivisor = 4095

// PwmConfig holds the PWM clock setup for the fan output.
type PwmConfig struct {
	BaseClock  int
	TargetFreq int
	Range      int
	Divisor    int
}

// NewPwmConfig derives the clock divisor that yields TargetFreq with Range
// steps per period from a BaseClock oscillator.
func NewPwmConfig(baseClock, targetFreq, rng int) (PwmConfig, error) {
	errFactory := errors.New()

	if baseClock <= 0 || targetFreq <= 0 || rng <= 0 {
		return PwmConfig{}, errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("base clock %d, target frequency %d, range %d must be positive", baseClock, targetFreq, rng))
	}

	divisor := int(math.Round(float64(baseClock) / (float64(targetFreq) * float64(rng))))
	if divisor < 1 || divisor > maxClockDivisor {
		return PwmConfig{}, errFactory.WithData(errors.ErrInvalidConfig,
			fmt.Sprintf("clock divisor %d outside [1, %d]", divisor, maxClockDivisor))
	}

	return PwmConfig{
		BaseClock:  baseClock,
		TargetFreq: targetFreq,
		Range:      rng,
		Divisor:    divisor,
	}, nil
}

// EffectiveFreq is the PWM frequency actually produced after rounding the
// divisor.
func (c PwmConfig) EffectiveFreq() float64 {
	return float64(c.BaseClock) / float64(c.Divisor*c.Range)
}
