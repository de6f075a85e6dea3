package metrics

import (
	"database/sql"
	"fmt"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"codeberg.org/mutker/pifanctl/internal/logger"
)

// SchemaVersion is stored in the database header (PRAGMA user_version).
const SchemaVersion = 2

// A migration moves the schema from version-1 to version. Steps run in
// order inside one transaction each, so existing samples are kept.
type migration struct {
	version int
	steps   []string
}

var migrations = []migration{
	{
		version: 1,
		steps: []string{
			`CREATE TABLE IF NOT EXISTS samples (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp      INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
				mode           TEXT    NOT NULL CHECK (mode IN ('daemon', 'interactive')),
				temperature    REAL,
				rpm            REAL,
				duty_cycle     INTEGER NOT NULL CHECK (typeof(duty_cycle) = 'integer'),
				pwm_range      INTEGER NOT NULL CHECK (pwm_range > 0),
				policy_applied INTEGER NOT NULL CHECK (policy_applied IN (0, 1))
			)`,
			`CREATE INDEX IF NOT EXISTS samples_timestamp ON samples (timestamp)`,
		},
	},
	{
		// Duty cycle as a percentage, comparable across PWM range changes.
		version: 2,
		steps: []string{
			`ALTER TABLE samples ADD COLUMN duty_percent REAL`,
			`UPDATE samples SET duty_percent = 100.0 * duty_cycle / pwm_range`,
		},
	},
}

const (
	insertSampleSQL = `
    INSERT INTO samples (
        timestamp, mode,
        temperature, rpm,
        duty_cycle, pwm_range, duty_percent, policy_applied
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectRecentSQL = `
    SELECT timestamp, mode, temperature, rpm, duty_cycle, pwm_range, policy_applied
    FROM samples
    ORDER BY id DESC
    LIMIT ?`
)

// schemaVersion reads the version the database was last migrated to. A new
// database reports 0.
func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, errors.New().Wrap(ErrSchemaValidationFailed, err)
	}
	return version, nil
}

// migrate brings the schema up to SchemaVersion. A database written by a
// newer release is left alone and reported with ErrSchemaTooNew.
func migrate(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	version, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return errFactory.WithData(ErrSchemaTooNew, fmt.Sprintf("schema version %d, supported %d", version, SchemaVersion))
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
		log.Info().
			Int("from", version).
			Int("to", m.version).
			Msg("Metrics schema migrated")
		version = m.version
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) (err error) {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, step := range m.steps {
		if _, err := tx.Exec(step); err != nil {
			return errFactory.Wrap(ErrSchemaMigrationFailed, err).
				WithData(fmt.Sprintf("version %d step %d", m.version, i+1))
		}
	}

	// PRAGMA takes no bind parameters; the version is one of our constants.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	return nil
}
