package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an application error. Codes distinguish business
// rejections from infrastructure failures so callers can fail closed on the
// latter instead of treating "could not tell" as a negative answer.
type ErrorCode int

const (
	ErrValidation ErrorCode = iota + 1000
	ErrForbidden
	ErrNotFound
	ErrSlotUnavailable
	ErrConflict
	ErrUpstreamUnavailable
	ErrInternal
)

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors
func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Code:    ErrForbidden,
		Message: message,
	}
}

func Validation(message string, err error) *AppError {
	return &AppError{
		Code:    ErrValidation,
		Message: message,
		Err:     err,
	}
}

func SlotUnavailable(message string) *AppError {
	return &AppError{
		Code:    ErrSlotUnavailable,
		Message: message,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
	}
}

func UpstreamUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:    ErrUpstreamUnavailable,
		Message: message,
		Err:     err,
	}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// CodeOf returns the error's code, or ErrInternal for errors that are not
// AppErrors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
