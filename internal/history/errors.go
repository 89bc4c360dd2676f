package history

import "codeberg.org/mutker/axectl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("history_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("history_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("history_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("history_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("history_transaction_failed")

	// Storage Errors
	ErrStorageInit   = errors.ErrInitHistory
	ErrStorageAccess = errors.ErrRecordHistory
	ErrStorageClose  = errors.ErrCloseHistory

	// Collection Errors
	ErrInvalidEntry = errors.ErrorCode("history_invalid_entry")

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
	ErrServiceShutdown  = errors.ErrShutdownFailed
)
