package snapshot

import "codeberg.org/mutker/axectl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidPath = errors.ErrorCode("snapshot_invalid_path")

	// Storage Errors
	ErrReadFailed  = errors.ErrorCode("snapshot_read_failed")
	ErrCorrupt     = errors.ErrorCode("snapshot_corrupt")
	ErrWriteFailed = errors.ErrorCode("snapshot_write_failed")
)
