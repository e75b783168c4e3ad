package cowdb

import (
	"errors"
	"fmt"
)

// Error represents a cowdb error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cowdb: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("cowdb: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, ErrTimeoutError) matches any timeout.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrorCode classifies cowdb errors
type ErrorCode int

const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ErrInvalid indicates the file is not a cowdb data file
	ErrInvalid ErrorCode = -31001

	// ErrVersionMismatch indicates a data file of another format version
	ErrVersionMismatch ErrorCode = -31002

	// ErrChecksum indicates a meta page whose checksum does not match
	ErrChecksum ErrorCode = -31003

	// ErrCorrupted indicates the database is corrupted and cannot be used
	ErrCorrupted ErrorCode = -31004

	// ErrPageNotFound indicates a page id outside the transaction snapshot
	ErrPageNotFound ErrorCode = -31005

	// ErrTimeout indicates a lock was not acquired within Options.Timeout
	ErrTimeout ErrorCode = -31006

	// ErrTxNotWritable indicates a write on a read-only transaction
	ErrTxNotWritable ErrorCode = -31007

	// ErrTxClosed indicates use of a committed or rolled back transaction
	ErrTxClosed ErrorCode = -31008

	// ErrTxManaged indicates Commit or Rollback inside View, Update or Batch
	ErrTxManaged ErrorCode = -31009

	// ErrDatabaseNotOpen indicates use of a closed database
	ErrDatabaseNotOpen ErrorCode = -31010

	// ErrDatabaseOpen indicates the data file is locked by another handle
	ErrDatabaseOpen ErrorCode = -31011

	// ErrDatabaseReadOnly indicates a write transaction on a read-only database
	ErrDatabaseReadOnly ErrorCode = -31012

	// ErrIO indicates an underlying read, write, sync or mapping failure
	ErrIO ErrorCode = -31013

	// ErrPanic indicates a batched handler panicked
	ErrPanic ErrorCode = -31014

	// ErrIncompatible indicates invalid options
	ErrIncompatible ErrorCode = -31015

	// ErrBadFree indicates a page that cannot be freed
	ErrBadFree ErrorCode = -31016
)

// Error descriptions
var errorMessages = map[ErrorCode]string{
	Success:             "success",
	ErrInvalid:          "file is not a cowdb database",
	ErrVersionMismatch:  "database version mismatch",
	ErrChecksum:         "meta checksum mismatch",
	ErrCorrupted:        "database is corrupted",
	ErrPageNotFound:     "page is outside the transaction snapshot",
	ErrTimeout:          "timeout",
	ErrTxNotWritable:    "tx not writable",
	ErrTxClosed:         "tx closed",
	ErrTxManaged:        "managed tx commit/rollback not allowed",
	ErrDatabaseNotOpen:  "database not open",
	ErrDatabaseOpen:     "database already open",
	ErrDatabaseReadOnly: "database is in read-only mode",
	ErrIO:               "i/o error",
	ErrPanic:            "handler panicked",
	ErrIncompatible:     "incompatible options",
	ErrBadFree:          "page cannot be freed",
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// Common error variables for use with errors.Is
var (
	ErrInvalidError          = NewError(ErrInvalid)
	ErrVersionMismatchError  = NewError(ErrVersionMismatch)
	ErrChecksumError         = NewError(ErrChecksum)
	ErrCorruptedError        = NewError(ErrCorrupted)
	ErrPageNotFoundError     = NewError(ErrPageNotFound)
	ErrTimeoutError          = NewError(ErrTimeout)
	ErrTxNotWritableError    = NewError(ErrTxNotWritable)
	ErrTxClosedError         = NewError(ErrTxClosed)
	ErrTxManagedError        = NewError(ErrTxManaged)
	ErrDatabaseNotOpenError  = NewError(ErrDatabaseNotOpen)
	ErrDatabaseOpenError     = NewError(ErrDatabaseOpen)
	ErrDatabaseReadOnlyError = NewError(ErrDatabaseReadOnly)
	ErrIOError               = NewError(ErrIO)
	ErrPanicError            = NewError(ErrPanic)
	ErrIncompatibleError     = NewError(ErrIncompatible)
	ErrBadFreeError          = NewError(ErrBadFree)
)

// IsTimeout returns true if the error is ErrTimeout
func IsTimeout(err error) bool {
	return Code(err) == ErrTimeout
}

// IsCorrupted returns true if the error indicates an unreadable database
func IsCorrupted(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case ErrCorrupted, ErrChecksum, ErrInvalid, ErrVersionMismatch, ErrPageNotFound:
			return true
		}
	}
	return false
}

// IsTxClosed returns true if the error is ErrTxClosed
func IsTxClosed(err error) bool {
	return Code(err) == ErrTxClosed
}

// IsTxNotWritable returns true if the error is ErrTxNotWritable
func IsTxNotWritable(err error) bool {
	return Code(err) == ErrTxNotWritable
}

// IsIO returns true if the error came from the file system
func IsIO(err error) bool {
	return Code(err) == ErrIO
}

// Code returns the error code from an error, Success for nil,
// or ErrIO if err is not a cowdb error.
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrIO
}
