package metrics

import (
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/pifanctl/metrics.db"
	defaultBatchSize    = 30
	defaultBatchTimeout = 60 * time.Second

	// Batches held in memory while the database rejects writes.
	bufferedBatches = 10
)

type Config struct {
	DBPath       string
	BatchSize    int
	BatchTimeout time.Duration
	Enabled      bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if metrics is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "negative batch settings")
	}
	return nil
}

func (c Config) bufferLimit() int {
	return max(c.BatchSize, 1) * bufferedBatches
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
