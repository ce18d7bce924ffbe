package activity

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store errors.
type ErrorCode string

const (
	// ErrCodeNotFound indicates an update or delete referenced a missing id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeSaveFailed indicates an insert or update could not be committed,
	// including inserting an id that already exists.
	ErrCodeSaveFailed ErrorCode = "SAVE_FAILED"

	// ErrCodeFetchFailed indicates a query could not be executed.
	ErrCodeFetchFailed ErrorCode = "FETCH_FAILED"

	// ErrCodeDeleteFailed indicates a delete could not be committed.
	ErrCodeDeleteFailed ErrorCode = "DELETE_FAILED"
)

// ErrDuplicateID is the reason attached to SaveFailed when an id is inserted twice.
var ErrDuplicateID = errors.New("activity id already exists")

// ErrDeletedID is the reason attached to SaveFailed when a deleted id is
// inserted again. A deleted id stays retired on every replica.
var ErrDeletedID = errors.New("activity id was deleted")

// Error is returned by every store and repository operation.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the operation that failed (fetch, add, update, delete, apply).
	Op string

	// ID is the affected record, when there is one.
	ID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.ID != "" {
		msg += fmt.Sprintf(" (id=%s)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates an Error for a missing record.
func NotFound(op, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Op: op, ID: id}
}

// SaveFailed creates an Error for a failed insert or update.
func SaveFailed(op, id string, err error) *Error {
	return &Error{Code: ErrCodeSaveFailed, Op: op, ID: id, Err: err}
}

// FetchFailed creates an Error for a failed query.
func FetchFailed(op string, err error) *Error {
	return &Error{Code: ErrCodeFetchFailed, Op: op, Err: err}
}

// DeleteFailed creates an Error for a failed delete.
func DeleteFailed(op, id string, err error) *Error {
	return &Error{Code: ErrCodeDeleteFailed, Op: op, ID: id, Err: err}
}

// IsNotFound returns true if err is a NOT_FOUND error.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsSaveFailed returns true if err is a SAVE_FAILED error.
func IsSaveFailed(err error) bool {
	return hasCode(err, ErrCodeSaveFailed)
}

// IsFetchFailed returns true if err is a FETCH_FAILED error.
func IsFetchFailed(err error) bool {
	return hasCode(err, ErrCodeFetchFailed)
}

// IsDeleteFailed returns true if err is a DELETE_FAILED error.
func IsDeleteFailed(err error) bool {
	return hasCode(err, ErrCodeDeleteFailed)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
