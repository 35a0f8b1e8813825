// Package apperr defines the error taxonomy shared by the queue engine and its API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is returned when a request is rejected before touching any state.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError is returned when the request is valid but cannot be satisfied now.
type ConflictError struct {
	Message string
	// Choices lists follow-up actions the guest can take (e.g. "join_queue").
	Choices []string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// NotFoundError is returned when an entry or reservation is already gone.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TransientNetworkError wraps a failed call to a remote collaborator.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a ConflictError.
func Conflict(message string, choices ...string) error {
	return &ConflictError{Message: message, Choices: choices}
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Transient wraps err as a TransientNetworkError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientNetworkError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsTransient reports whether err is a TransientNetworkError.
func IsTransient(err error) bool {
	var target *TransientNetworkError
	return errors.As(err, &target)
}

// HTTPStatus maps an error to the status code used by the HTTP API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsConflict(err):
		return http.StatusConflict
	case IsNotFound(err):
		return http.StatusNotFound
	case IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus turns an HTTP status returned by the API back into a typed error.
func FromStatus(status int, message string) error {
	switch status {
	case http.StatusBadRequest:
		return &ValidationError{Message: message}
	case http.StatusConflict:
		return &ConflictError{Message: message}
	case http.StatusNotFound:
		return &NotFoundError{Kind: "resource", ID: message}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return &TransientNetworkError{Op: "http", Err: fmt.Errorf("status %d: %s", status, message)}
	default:
		return fmt.Errorf("http %d: %s", status, message)
	}
}
