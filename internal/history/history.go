// Package history persists completed tuning cycles to sqlite so runs can
// be compared after the fact. Writes are buffered and flushed in batches;
// the tuning loop never blocks on disk.
package history

import (
	"context"

	"codeberg.org/mutker/axectl/internal/errors"
	"codeberg.org/mutker/axectl/internal/logger"
)

type service struct {
	repo  Repository
	cfg   Config
	runID string
}

// No-op implementation
type noopRecorder struct{}

// NewService builds a Recorder that stamps every entry with runID. When
// history is disabled it returns a no-op recorder so callers need no
// conditionals.
func NewService(cfg Config, runID string) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("History collection disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, logger.Default())
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Str("run_id", runID).
		Msg("History service initialized")

	return &service{
		repo:  repo,
		cfg:   cfg,
		runID: runID,
	}, nil
}

func (s *service) Record(ctx context.Context, entry *Entry) error {
	errFactory := errors.New()

	if entry == nil {
		return errFactory.New(ErrInvalidEntry)
	}
	if entry.RunID == "" {
		entry.RunID = s.runID
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(entry); err != nil {
			return errFactory.Wrap(ErrStorageAccess, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

// No-op implementation
func (*noopRecorder) Record(_ context.Context, _ *Entry) error {
	return nil
}

func (*noopRecorder) Close() error {
	return nil
}
