// Package errors defines the error types shared by the Daedalus SDK's
// transport and service layers.
//
// Core scope-tree faults (duplicate child names, unresolved references, row
// mask misuse) live as sentinels in pkg/scope next to the code that raises
// them. This package covers everything above the tree: connection and
// messaging sentinels matched with errors.Is, the structured Error carried by
// service operations, and the AppError taxonomy the runner uses to decide
// whether a failed message should be redelivered.
package errors

import (
	"errors"
	"fmt"
)

// Common sentinel errors for connection and messaging operations.
var (
	// ErrNotConnected indicates the client is not connected to a NATS server.
	ErrNotConnected = errors.New("not connected to NATS server")

	// ErrInvalidSubject indicates an empty or malformed subject.
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidMessage indicates a message that cannot be processed, such as
	// a nil message or one whose payload fails to decode.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNoResponse indicates a request received no reply.
	ErrNoResponse = errors.New("no response received")

	// ErrSubscriptionFailed indicates a subscription could not be established.
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrPublishFailed indicates a publish could not be completed.
	ErrPublishFailed = errors.New("publish failed")

	// ErrStreamNotFound indicates the named JetStream stream does not exist.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConsumerNotFound indicates the named JetStream consumer does not exist.
	ErrConsumerNotFound = errors.New("consumer not found")
)

// Error is a structured error with an operation code, a human-readable
// message, and an optional underlying cause.
type Error struct {
	// Code identifies the operation or subsystem that failed.
	Code string

	// Message describes the failure.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ErrorType classifies an AppError for reporting and redelivery decisions.
type ErrorType string

// Application error types. Internal errors are treated as transient; all
// other types are permanent and must not be redelivered.
const (
	ErrorTypeBadRequest       ErrorType = "bad_request"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeUnauthorized     ErrorType = "unauthorized"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeValidationFailed ErrorType = "validation_failed"
	ErrorTypePermissionDenied ErrorType = "permission_denied"
	ErrorTypeInternal         ErrorType = "internal"
)

// AppError is a classified application error. The runner inspects the Type to
// decide between Nak (transient, redeliver) and Ack (permanent, report and
// drop), and result messages carry the Type and Code to downstream consumers.
type AppError struct {
	// Type classifies the error.
	Type ErrorType

	// Code is a stable, machine-readable identifier for the failure.
	Code string

	// Message describes the failure for humans.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Type, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewBadRequestError creates an AppError for malformed requests.
func NewBadRequestError(message, code string, err error) *AppError {
	return &AppError{Type: ErrorTypeBadRequest, Code: code, Message: message, Err: err}
}

// NewNotFoundError creates an AppError for missing resources.
func NewNotFoundError(message, code string, err error) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Code: code, Message: message, Err: err}
}

// NewUnauthorizedError creates an AppError for failed authentication.
func NewUnauthorizedError(message, code string, err error) *AppError {
	return &AppError{Type: ErrorTypeUnauthorized, Code: code, Message: message, Err: err}
}

// NewConflictError creates an AppError for conflicting state.
func NewConflictError(message, code string, err error) *AppError {
	return &AppError{Type: ErrorTypeConflict, Code: code, Message: message, Err: err}
}

// NewValidationError creates an AppError for payloads that fail schema or
// semantic validation.
func NewValidationError(message, code string, err error) *AppError {
	return &AppError{Type: ErrorTypeValidationFailed, Code: code, Message: message, Err: err}
}

// NewPermissionDeniedError creates an AppError for authorization failures.
func NewPermissionDeniedError(message, code string, err error) *AppError {
	return &AppError{Type: ErrorTypePermissionDenied, Code: code, Message: message, Err: err}
}

// NewInternalError creates an AppError for unexpected internal failures.
// Internal errors are the only transient type.
func NewInternalError(message, code string, err error) *AppError {
	return &AppError{Type: ErrorTypeInternal, Code: code, Message: message, Err: err}
}

// AsAppError extracts an AppError from err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried. Only internal AppErrors
// are transient; unclassified errors default to transient so that unexpected
// failures are redelivered rather than silently dropped.
func IsTransient(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Type == ErrorTypeInternal
	}
	return true
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if the error indicates a connection problem.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
