// Package domain defines the core types, ports, and errors of the table store.
package domain

import "fmt"

// NotFoundError indicates a table, version, or data file was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// AccessDeniedError indicates a missing or invalid credential.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string { return e.Message }

// ValidationError indicates invalid input, including primary key violations.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a duplicate resource (e.g. a table name already in use).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// CommitConflictError is returned by a VersionLog when the expected base
// version no longer matches the head. Callers recompute and retry.
type CommitConflictError struct {
	TableID  string
	Expected int64
	Head     int64
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("commit conflict on table %s: expected base version %d, head is %d",
		e.TableID, e.Expected, e.Head)
}

// WriteConflictError is returned by the mutation engine once the bounded
// retry count is exhausted. The table is unchanged by the failed mutation.
type WriteConflictError struct {
	Table    string
	Attempts int
	Head     int64
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict on table %q: gave up after %d attempts (head version %d)",
		e.Table, e.Attempts, e.Head)
}

// OutOfRangeError indicates a requested version window that has not been committed.
type OutOfRangeError struct {
	Requested int64
	Head      int64
	Message   string
}

func (e *OutOfRangeError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("version %d is out of range (head version %d)", e.Requested, e.Head)
}

// RetentionExceededError indicates a requested version older than the
// retained history horizon. Callers must fall back to a snapshot read.
type RetentionExceededError struct {
	Requested int64
	Horizon   int64
}

func (e *RetentionExceededError) Error() string {
	return fmt.Sprintf("version %d is no longer retained (oldest retained version %d)", e.Requested, e.Horizon)
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrAccessDenied creates an AccessDeniedError with a formatted message.
func ErrAccessDenied(format string, args ...interface{}) *AccessDeniedError {
	return &AccessDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrOutOfRange creates an OutOfRangeError for a version beyond head.
func ErrOutOfRange(requested, head int64) *OutOfRangeError {
	return &OutOfRangeError{Requested: requested, Head: head}
}

// ErrRetentionExceeded creates a RetentionExceededError.
func ErrRetentionExceeded(requested, horizon int64) *RetentionExceededError {
	return &RetentionExceededError{Requested: requested, Horizon: horizon}
}
