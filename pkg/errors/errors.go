// Package errors carries coded errors through the profiler so callers can
// tell a malformed dump from a protocol violation or a storage failure
// without matching on message text.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies an AppError.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN_ERROR"
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	CodeFormatError       Code = "FORMAT_ERROR"
	CodeResourceError     Code = "RESOURCE_ERROR"
	CodeConfigError       Code = "CONFIG_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeDatabaseError     Code = "DATABASE_ERROR"
	CodeStorageError      Code = "STORAGE_ERROR"
)

// Sentinels for errors.Is. Any AppError with the same code matches.
var (
	ErrProtocolViolation = New(CodeProtocolViolation, "activation protocol violation")
	ErrFormatError       = New(CodeFormatError, "malformed trace dump")
	ErrResourceError     = New(CodeResourceError, "resource error")
	ErrConfigError       = New(CodeConfigError, "configuration error")
	ErrNotFound          = New(CodeNotFound, "resource not found")
	ErrDatabaseError     = New(CodeDatabaseError, "database error")
	ErrStorageError      = New(CodeStorageError, "storage error")
)

// AppError is an error tagged with a Code.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches any *AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && e.Code == t.Code
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap tags err with code. err may be nil.
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// CodeUnknown.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &AppError{Code: code})
}

func IsProtocolViolation(err error) bool { return HasCode(err, CodeProtocolViolation) }
func IsFormatError(err error) bool       { return HasCode(err, CodeFormatError) }
func IsResourceError(err error) bool     { return HasCode(err, CodeResourceError) }
func IsNotFound(err error) bool          { return HasCode(err, CodeNotFound) }

// Permanent reports whether retrying err cannot help: the dump itself is
// malformed or violates the activation protocol, or it no longer exists.
func Permanent(err error) bool {
	switch CodeOf(err) {
	case CodeFormatError, CodeProtocolViolation, CodeNotFound:
		return true
	}
	return false
}

// MessageOf returns the AppError message in err's chain, or err.Error().
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
