package telemetry

import "codeberg.org/mutker/pifanctl/internal/errors"

const (
	ErrInvalidSample = errors.ErrorCode("telemetry_invalid_sample")
)
