package pool

import "codeberg.org/mutker/axectl/internal/errors"

const (
	// Configuration errors
	ErrInvalidConfig = errors.ErrorCode("pool_invalid_config")
	ErrNoCandidates  = errors.ErrorCode("pool_no_candidates")
	ErrInvalidURL    = errors.ErrorCode("pool_invalid_url")
)
