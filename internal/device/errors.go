package device

import "codeberg.org/mutker/axectl/internal/errors"

const (
	// Transport errors
	ErrUnreachable = errors.ErrorCode("device_unreachable")
	ErrTimeout     = errors.ErrorCode("device_timeout")

	// Response errors
	ErrMalformed = errors.ErrorCode("device_malformed_response")
	ErrBadStatus = errors.ErrorCode("device_bad_status")
)
