package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []*meter.Sample
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

// NewRepository opens (creating if needed) the SQLite database at
// cfg.DBPath. Measurements are buffered and written in batches of
// cfg.BatchSize, or every cfg.BatchTimeout seconds.
func NewRepository(cfg Config, log logger.Logger) (Storage, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

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

	dsn := cfg.DBPath + "?_journal=WAL&_busy_timeout=5000&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Int("batch_timeout", cfg.BatchTimeout).
		Msg("Storage initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]*meter.Sample, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(time.Duration(cfg.BatchTimeout) * time.Second)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) CreateSession(name, device string) (int64, error) {
	res, err := r.db.Exec(
		"INSERT INTO sessions (name, device, created_at) VALUES (?, ?, ?)",
		name, device, meter.Timestamp(time.Now()),
	)
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}

	r.logger.Debug().Int64("session_id", id).Str("name", name).Msg("Session created")

	return id, nil
}

func (r *repository) StoreMeasurement(sample *meter.Sample) error {
	errFactory := errors.New()

	if sample == nil {
		return errFactory.New(ErrInvalidMeasurement)
	}
	if sample.SessionID == 0 {
		return errFactory.WithMessage(ErrInvalidMeasurement, "measurement has no session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, sample)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) UpdateStatus(state meter.ConnectionState) error {
	if !state.IsValid() {
		return errors.New().WithData(ErrInvalidStatus, string(state))
	}

	if _, err := r.db.Exec(upsertStatusSQL, string(state)); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// FetchStatus reports disconnected until a status has been stored.
func (r *repository) FetchStatus() (meter.ConnectionState, error) {
	var state string
	err := r.db.QueryRow("SELECT state FROM status WHERE id = 1").Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return meter.StateDisconnected, nil
	}
	if err != nil {
		return "", errors.New().Wrap(ErrStorageAccess, err)
	}

	return meter.ConnectionState(state), nil
}

func (r *repository) AppendLog(message string) error {
	if _, err := r.db.Exec(
		"INSERT INTO logs (timestamp, message) VALUES (?, ?)",
		meter.Timestamp(time.Now()), message,
	); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// FetchLog returns up to limit of the newest entries, oldest first. A
// limit of zero or less returns everything.
func (r *repository) FetchLog(limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(`
        SELECT timestamp, message FROM (
            SELECT id, timestamp, message FROM logs ORDER BY id DESC LIMIT ?
        ) ORDER BY id`, limit)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			ts      float64
			message string
		)
		if err := rows.Scan(&ts, &message); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		entries = append(entries, LogEntry{
			Timestamp: (&meter.Sample{Timestamp: ts}).Time(),
			Message:   message,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return entries, nil
}

// ClearLog trims the log to its newest entries.
func (r *repository) ClearLog() error {
	if _, err := r.db.Exec(`
        DELETE FROM logs WHERE id NOT IN (
            SELECT id FROM logs ORDER BY id DESC LIMIT ?
        )`, logRetention); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// LastMeasurementByName returns the time of the newest measurement stored
// under any session with the given name.
func (r *repository) LastMeasurementByName(name string) (time.Time, bool, error) {
	if err := r.Flush(); err != nil {
		return time.Time{}, false, err
	}

	var ts sql.NullFloat64
	err := r.db.QueryRow(`
        SELECT MAX(m.timestamp)
        FROM measurements m
        JOIN sessions s ON s.id = m.session_id
        WHERE s.name = ?`, name).Scan(&ts)
	if err != nil {
		return time.Time{}, false, errors.New().Wrap(ErrStorageAccess, err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}

	return (&meter.Sample{Timestamp: ts.Float64}).Time(), true, nil
}

func (r *repository) Measurements(sessionID int64) ([]*meter.Sample, error) {
	if err := r.Flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(selectMeasurementsSQL, sessionID)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var samples []*meter.Sample
	for rows.Next() {
		sample, err := scanMeasurement(rows)
		if err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return samples, nil
}

func (r *repository) Sessions() ([]Session, error) {
	rows, err := r.db.Query("SELECT id, name, device, created_at FROM sessions ORDER BY id")
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s       Session
			created float64
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Device, &created); err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		s.CreatedAt = (&meter.Sample{Timestamp: created}).Time()
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return sessions, nil
}

// Flush writes buffered measurements immediately.
func (r *repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flush()
}

func (r *repository) Close() error {
	var closeErr error

	r.closeOnce.Do(func() {
		close(r.shutdownChan)
		if r.flushTicker != nil {
			r.flushTicker.Stop()
		}

		// Wait for the flusher to finish its final flush
		<-r.flushDoneChan

		if err := r.Flush(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to flush measurements on close")
		}

		if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
			r.db.Close()
			return
		}

		if err := r.db.Close(); err != nil {
			closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "close_database",
				Error: err.Error(),
			})
			return
		}

		r.logger.Info().Msg("Storage closed gracefully")
	})

	return closeErr
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush must be called with mu held. The buffer is kept on failure so the
// next flush retries it.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	fail := func(msg string, err error) error {
		coded := errFactory.Wrap(ErrTransactionFailed, err)
		r.logger.ErrorWithCode(coded).Msg(msg)
		return coded
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fail("Failed to begin transaction", err)
	}

	stmt, err := tx.Prepare(insertMeasurementSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return fail("Failed to prepare statement", err)
	}
	defer stmt.Close()

	for _, s := range r.buffer {
		values := []interface{}{
			s.SessionID, s.Timestamp,
			s.Voltage, s.Current, s.Power, s.Temperature,
			s.DataPlus, s.DataMinus, s.ModeID, s.ModeName,
			s.AccumulatedCurrent, s.AccumulatedPower, s.AccumulatedTime,
			meter.ClampResistance(s.Resistance),
		}

		if _, err := stmt.Exec(values...); err != nil {
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return fail("Failed to execute insert", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fail("Failed to commit transaction", err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed measurements to database")
	r.buffer = r.buffer[:0]

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(row scanner) (*meter.Sample, error) {
	var (
		s         meter.Sample
		dataPlus  sql.NullFloat64
		dataMinus sql.NullFloat64
		modeID    sql.NullInt64
		modeName  sql.NullString
		accTime   sql.NullInt64
	)

	if err := row.Scan(
		&s.SessionID, &s.Timestamp,
		&s.Voltage, &s.Current, &s.Power, &s.Temperature,
		&dataPlus, &dataMinus, &modeID, &modeName,
		&s.AccumulatedCurrent, &s.AccumulatedPower, &accTime,
		&s.Resistance,
	); err != nil {
		return nil, err
	}

	if dataPlus.Valid {
		s.DataPlus = &dataPlus.Float64
	}
	if dataMinus.Valid {
		s.DataMinus = &dataMinus.Float64
	}
	if modeID.Valid {
		id := int(modeID.Int64)
		s.ModeID = &id
	}
	if modeName.Valid {
		s.ModeName = &modeName.String
	}
	if accTime.Valid {
		s.AccumulatedTime = &accTime.Int64
	}

	return &s, nil
}
