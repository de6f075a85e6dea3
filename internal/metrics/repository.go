package metrics

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/logger"
	"codeberg.org/mutker/pifanctl/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []telemetry.Sample
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	db, err := openDatabase(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Metrics repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]telemetry.Sample, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	// Start background goroutine for periodic flushing if batching is enabled
	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) Record(sample *telemetry.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Failed flushes leave samples behind; keep only the newest.
	if limit := r.cfg.bufferLimit(); len(r.buffer) >= limit {
		dropped := len(r.buffer) - limit + 1
		r.buffer = append(r.buffer[:0], r.buffer[dropped:]...)
		r.logger.Warn().Int("dropped", dropped).Msg("Metrics buffer full, dropping oldest samples")
	}

	r.buffer = append(r.buffer, *sample)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Recent(ctx context.Context, limit int) ([]telemetry.Sample, error) {
	errFactory := errors.New()

	if limit <= 0 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "limit must be positive")
	}

	// Pending samples are part of the history.
	r.mu.Lock()
	err := r.flush()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectRecentSQL, limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	samples := make([]telemetry.Sample, 0, limit)
	for rows.Next() {
		var (
			ts          int64
			sample      telemetry.Sample
			temperature sql.NullFloat64
			rpm         sql.NullFloat64
			applied     int
		)
		if err := rows.Scan(&ts, &sample.Mode, &temperature, &rpm,
			&sample.DutyCycle, &sample.Range, &applied); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}

		sample.Timestamp = time.UnixMilli(ts)
		sample.Temperature, sample.TemperatureValid = temperature.Float64, temperature.Valid
		sample.RPM, sample.RPMValid = rpm.Float64, rpm.Valid
		sample.PolicyApplied = applied == 1
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return samples, nil
}

func (r *repository) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.close()
	})
	return r.closeErr
}

func (r *repository) close() error {
	// Signal the flusher goroutine to stop
	close(r.shutdownChan)

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	// Wait for the flusher to finish its final flush
	<-r.flushDoneChan

	r.mu.Lock()
	flushErr := r.flush()
	r.mu.Unlock()
	if flushErr != nil {
		r.logger.Warn().Err(flushErr).Msg("Dropping unflushed samples")
	}

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.db.Close()
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Metrics repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			r.flush()
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. Callers hold r.mu.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for i := range r.buffer {
		sample := &r.buffer[i]
		values := []interface{}{
			sample.Timestamp.UnixMilli(),
			sample.Mode,
			sql.NullFloat64{Float64: sample.Temperature, Valid: sample.TemperatureValid},
			sql.NullFloat64{Float64: sample.RPM, Valid: sample.RPMValid},
			int64(sample.DutyCycle),
			int64(sample.Range),
			sample.DutyPercent(),
			int64(boolToInt(sample.PolicyApplied)),
		}

		if _, err := stmt.Exec(values...); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed samples to database")
	r.buffer = r.buffer[:0]

	return nil
}

// openDatabase opens the history database and migrates it. A database
// written by a newer release is moved aside and a fresh one is started.
func openDatabase(path string, log logger.Logger) (*sql.DB, error) {
	db, err := openAndMigrate(path, log)
	if err == nil || !errors.HasCode(err, ErrSchemaTooNew) {
		return db, err
	}

	aside, moveErr := setAside(path)
	if moveErr != nil {
		return nil, errors.New().Wrap(ErrStorageInit, errors.Join(err, moveErr))
	}
	log.Warn().
		Err(err).
		Str("moved_to", aside).
		Msg("Metrics database is from a newer release, starting a new one")

	return openAndMigrate(path, log)
}

func openAndMigrate(path string, log logger.Logger) (*sql.DB, error) {
	errFactory := errors.New()

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_auto_vacuum=2")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	if err := migrate(db, log); err != nil {
		db.Close()
		if errors.HasCode(err, ErrSchemaTooNew) {
			return nil, err
		}
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	return db, nil
}

// setAside renames the database and its WAL files to <path>.<timestamp>.
func setAside(path string) (string, error) {
	aside := path + "." + time.Now().UTC().Format("20060102T150405Z")

	for _, suffix := range []string{"", "-wal", "-shm"} {
		err := os.Rename(path+suffix, aside+suffix)
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}

	return aside, nil
}
