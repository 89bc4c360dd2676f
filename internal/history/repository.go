package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/axectl/internal/errors"
	"codeberg.org/mutker/axectl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []*Entry
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
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

	// Open database with specific pragmas for better performance and safety
	dsn := cfg.DBPath + "?_journal=WAL&_busy_timeout=5000&_auto_vacuum=2"
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

	// Validate if schema is current, with backup if needed
	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
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
		Int("buffer_size", cfg.BufferSize).
		Dur("flush_interval", cfg.FlushInterval).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]*Entry, 0, cfg.BufferSize),
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	go repo.flusher()

	return repo, nil
}

func (r *repository) Record(entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, entry)

	if len(r.buffer) >= r.cfg.BufferSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Close() error {
	// Signal the flusher goroutine to stop and wait for its final flush
	close(r.shutdownChan)
	r.flushTicker.Stop()
	<-r.flushDoneChan

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
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

	r.logger.Info().Msg("History repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Periodic history flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Final history flush failed")
			}
			r.mu.Unlock()
			return
		}
	}
}

// flush writes the buffered entries in one transaction. Callers hold r.mu.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertEntrySQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, entry := range r.buffer {
		values := []any{
			entry.RunID,
			entry.At.Unix(),
			entry.TempC,
			entry.PowerW,
			entry.HashrateGHS,
			int64(entry.VoltageMV),
			int64(entry.FrequencyMHz),
			entry.Mode,
			entry.Reason,
		}

		if _, err := stmt.Exec(values...); err != nil {
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed history to database")
	r.buffer = r.buffer[:0]

	return nil
}
