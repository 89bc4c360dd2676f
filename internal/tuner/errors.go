package tuner

import "codeberg.org/mutker/axectl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrorCode("tuner_invalid_config")

	// Telemetry Errors
	ErrFaultThreshold = errors.ErrorCode("tuner_fault_threshold_reached")
)
