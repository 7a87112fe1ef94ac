package service

import (
	"context"
	"errors"
	"fmt"

	"AutoSedance-server/models"
)

// Code classifies a failure for callers and for the HTTP layer.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeBackendFailure     Code = "BACKEND_FAILURE"
	CodeValidation         Code = "VALIDATION"
	CodeStorageFailure     Code = "STORAGE_FAILURE"
	// CodeUploadTooLarge is a VALIDATION failure reported separately so it can map to 413.
	CodeUploadTooLarge Code = "UPLOAD_TOO_LARGE"
)

type Error struct {
	Code    Code
	Message string
	Err     error
	// ActiveJobID is set on CONFLICT when a job holds the project.
	ActiveJobID string
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(activeJobID string) *Error {
	return &Error{
		Code:        CodeConflict,
		Message:     "another job is still active for this project",
		ActiveJobID: activeJobID,
	}
}

func Precondition(format string, args ...any) *Error {
	return &Error{Code: CodePreconditionFailed, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Backend(msg string, err error) *Error {
	return &Error{Code: CodeBackendFailure, Message: msg, Err: err}
}

func Storage(msg string, err error) *Error {
	return &Error{Code: CodeStorageFailure, Message: msg, Err: err}
}

// CodeOf classifies err. Unclassified errors get fallback.
func CodeOf(err error, fallback Code) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, models.ErrSlotBusy):
		return CodeConflict
	case errors.Is(err, context.DeadlineExceeded):
		return CodeBackendFailure
	}
	return fallback
}

// MessageOf returns the human-readable part of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" && e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		if e.Message != "" {
			return e.Message
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}

// storeErr maps a persistence error: missing rows and a held slot keep their
// meaning, everything else is a storage failure.
func storeErr(msg string, err error) error {
	var e *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, models.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: msg, Err: err}
	}
	return Storage(msg, err)
}
