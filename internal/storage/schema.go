package storage

import (
	"database/sql"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS sessions (
	       id          INTEGER PRIMARY KEY AUTOINCREMENT,
	       name        TEXT NOT NULL,
	       device      TEXT NOT NULL,
	       created_at  REAL NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS measurements (
	       id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	       session_id          INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	       timestamp           REAL NOT NULL,
	       voltage             REAL NOT NULL,
	       current             REAL NOT NULL,
	       power               REAL NOT NULL,
	       temperature         REAL NOT NULL,
	       data_plus           REAL,
	       data_minus          REAL,
	       mode_id             INTEGER,
	       mode_name           TEXT,
	       accumulated_current INTEGER NOT NULL,
	       accumulated_power   INTEGER NOT NULL,
	       accumulated_time    INTEGER,
	       resistance          REAL NOT NULL CHECK (resistance <= 9999.9)
	   );
	   CREATE INDEX IF NOT EXISTS measurements_session_time ON measurements (session_id, timestamp);
	   CREATE TABLE IF NOT EXISTS status (
	       id     INTEGER PRIMARY KEY CHECK (id = 1),
	       state  TEXT NOT NULL CHECK (state IN ('disconnected', 'connecting', 'connected', 'disconnecting'))
	   );
	   CREATE TABLE IF NOT EXISTS logs (
	       id         INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp  REAL NOT NULL,
	       message    TEXT NOT NULL
	   );`

	insertMeasurementSQL = `
    INSERT INTO measurements (
        session_id, timestamp,
        voltage, current, power, temperature,
        data_plus, data_minus, mode_id, mode_name,
        accumulated_current, accumulated_power, accumulated_time,
        resistance
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectMeasurementsSQL = `
    SELECT
        session_id, timestamp,
        voltage, current, power, temperature,
        data_plus, data_minus, mode_id, mode_name,
        accumulated_current, accumulated_power, accumulated_time,
        resistance
    FROM measurements
    WHERE session_id = ?
    ORDER BY timestamp, id`

	upsertStatusSQL = `
    INSERT INTO status (id, state) VALUES (1, ?)
    ON CONFLICT (id) DO UPDATE SET state = excluded.state`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
