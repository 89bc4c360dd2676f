package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Resource errors
	ErrResourceBusy      ErrorCode = "resource_busy"
	ErrResourceNotFound  ErrorCode = "resource_not_found"
	ErrResourceExhausted ErrorCode = "resource_exhausted"

	// Application errors
	ErrInitApp      ErrorCode = "init_app_failed"
	ErrMainLoop     ErrorCode = "main_loop_failed"
	ErrTuningCycle  ErrorCode = "tuning_cycle_failed"
	ErrRankerLoop   ErrorCode = "ranker_loop_failed"
	ErrWritePIDFile ErrorCode = "write_pid_file_failed"

	// Operation errors
	ErrOperationFailed  ErrorCode = "operation_failed"
	ErrTimeout          ErrorCode = "operation_timeout"
	ErrInvalidOperation ErrorCode = "invalid_operation"

	// History errors
	ErrInitHistory   ErrorCode = "init_history_failed"
	ErrRecordHistory ErrorCode = "record_history_failed"
	ErrCloseHistory  ErrorCode = "close_history_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrNotImplemented:    "Operation not implemented",
	ErrUnavailable:       "Service unavailable",
	ErrInvalidConfig:     "Invalid configuration",
	ErrMissingConfig:     "Missing configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read configuration",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrResourceBusy:      "Resource is busy",
	ErrResourceNotFound:  "Resource not found",
	ErrResourceExhausted: "Resource exhausted",
	ErrOperationFailed:   "Operation failed",
	ErrTimeout:           "Operation timed out",
	ErrInvalidOperation:  "Invalid operation",
	ErrInvalidInterval:   "Invalid interval value",
	ErrInitApp:           "Failed to initialize application",
	ErrMainLoop:          "Error in main loop",
	ErrTuningCycle:       "Tuning cycle failed",
	ErrRankerLoop:        "Pool ranker loop failed",
	ErrWritePIDFile:      "Failed to write PID file",
	ErrInitHistory:       "Failed to initialize history store",
	ErrRecordHistory:     "Failed to record history entry",
	ErrCloseHistory:      "Failed to close history store",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
