// Package kberr provides structured error handling for the retrieval core.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Validation errors (bad options, malformed queries)
//   - 2XX: Store errors (SQLite I/O, schema, constraints)
//   - 3XX: Compute errors (caller-supplied compute functions)
//   - 4XX: Engine errors (retrieval engine lifecycle)
//   - 5XX: Internal errors
package kberr

// Category defines error categories for classification.
type Category string

const (
	// CategoryValidation indicates input or option validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryStore indicates relational store I/O errors.
	CategoryStore Category = "STORE"
	// CategoryCompute indicates caller-supplied compute function errors.
	CategoryCompute Category = "COMPUTE"
	// CategoryEngine indicates retrieval engine lifecycle errors.
	CategoryEngine Category = "ENGINE"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Validation errors (100-199)
	ErrCodeInvalidOptions  = "ERR_101_INVALID_OPTIONS"
	ErrCodeUnknownPolicy   = "ERR_102_UNKNOWN_POLICY"
	ErrCodeInvalidQuery    = "ERR_103_INVALID_QUERY"
	ErrCodeFormatMismatch  = "ERR_104_FORMAT_MISMATCH"
	ErrCodeInvalidPattern  = "ERR_105_INVALID_PATTERN"
	ErrCodeDuplicateActive = "ERR_106_DUPLICATE_ACTIVE"

	// Store errors (200-299)
	ErrCodeStoreOpen    = "ERR_201_STORE_OPEN"
	ErrCodeStoreLocked  = "ERR_202_STORE_LOCKED"
	ErrCodeStoreSchema  = "ERR_203_STORE_SCHEMA"
	ErrCodeStoreQuery   = "ERR_204_STORE_QUERY"
	ErrCodeStoreCorrupt = "ERR_205_STORE_CORRUPT"

	// Compute errors (300-399)
	ErrCodeComputeFailed = "ERR_301_COMPUTE_FAILED"

	// Engine errors (400-499)
	ErrCodeEngineNotReady = "ERR_401_ENGINE_NOT_READY"
	ErrCodeEngineSearch   = "ERR_402_ENGINE_SEARCH"
	ErrCodeEngineRebuild  = "ERR_403_ENGINE_REBUILD"

	// Internal errors (500-599)
	ErrCodeInternal = "ERR_501_INTERNAL"
	ErrCodeCapacity = "ERR_502_CAPACITY"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryValidation
	case '2':
		return CategoryStore
	case '3':
		return CategoryCompute
	case '4':
		return CategoryEngine
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreCorrupt, ErrCodeStoreOpen:
		return SeverityFatal
	case ErrCodeComputeFailed, ErrCodeStoreQuery:
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStoreLocked, ErrCodeStoreQuery:
		return true
	default:
		return false
	}
}
