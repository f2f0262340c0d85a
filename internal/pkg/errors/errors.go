package errors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrForbidden     = errors.New("access disabled")
	ErrUnauthorized  = errors.New("invalid token")
	ErrDatabaseError = errors.New("database error")
	ErrCacheError    = errors.New("cache error")
)

const (
	CodeNotFound     = "NOT_FOUND"
	CodeForbidden    = "FORBIDDEN"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeConflict     = "CONFLICT"
	CodeValidation   = "VALIDATION_FAILED"
	CodeStorage      = "STORAGE_FAILURE"
	CodeInternal     = "INTERNAL_ERROR"
)

type Error struct {
	Err     error
	Message string
	Code    string
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err == nil || e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap annotates err with message. The code is derived from the sentinel
// err wraps, storage failures being the default.
func Wrap(err error, message string) *Error {
	return &Error{
		Err:     err,
		Message: message,
		Code:    codeOf(err),
	}
}

// Invalid builds a ValidationFailed error with a human readable reason.
func Invalid(message string) *Error {
	return &Error{Err: ErrInvalidInput, Message: message, Code: CodeValidation}
}

// NotFound builds a NotFound error naming the missing resource.
func NotFound(message string) *Error {
	return &Error{Err: ErrNotFound, Message: message, Code: CodeNotFound}
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func New(text string) error {
	return errors.New(text)
}

func codeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrAlreadyExists):
		return CodeConflict
	case errors.Is(err, ErrInvalidInput):
		return CodeValidation
	case errors.Is(err, ErrDatabaseError), errors.Is(err, ErrCacheError):
		return CodeStorage
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStorage
}

// Code returns the taxonomy code of err.
func Code(err error) string {
	if err == nil {
		return ""
	}
	return codeOf(err)
}

// HTTPStatus maps err onto the status code returned at the HTTP boundary.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
