package metrics

import (
	"context"

	"codeberg.org/mutker/pifanctl/internal/telemetry"
)

// Collector records controller samples into the history database.
type Collector interface {
	telemetry.Recorder
	// Recent returns up to limit samples, newest first.
	Recent(ctx context.Context, limit int) ([]telemetry.Sample, error)
	Close() error
}

// Repository defines the interface for sample storage
type Repository interface {
	Record(sample *telemetry.Sample) error
	Recent(ctx context.Context, limit int) ([]telemetry.Sample, error)
	Close() error
}
