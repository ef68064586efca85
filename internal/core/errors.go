// Package core provides the shared error taxonomy for the enclave and its
// collaborators. Subsystems raise typed errors; the dispatcher maps them to
// a machine-readable kind carried in the response envelope.
package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors. Typed errors unwrap to one of these so callers
// can branch with errors.Is without knowing the concrete type.
var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInvalidInput         = errors.New("invalid input")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrConflict             = errors.New("conflict")
	ErrRateLimited          = errors.New("rate limited")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrTimeout              = errors.New("timeout")
	ErrInternal             = errors.New("internal error")
	ErrUpstream             = errors.New("upstream failure")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Kind is the machine-readable error classification carried in the
// response envelope alongside the human-readable message.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindAccessDenied   Kind = "access_denied"
	KindAuthentication Kind = "authentication"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "timeout"
	KindUpstream       Kind = "upstream"
	KindUnsupported    Kind = "unsupported_operation"
	KindInternal       Kind = "internal"
)

// KindOf classifies err into a Kind. Unknown errors classify as internal.
// A nil error has no kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindAuthentication
	case errors.Is(err, ErrForbidden):
		return KindAccessDenied
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUpstream), errors.Is(err, ErrServiceUnavailable):
		return KindUpstream
	case errors.Is(err, ErrUnsupportedOperation):
		return KindUnsupported
	default:
		return KindInternal
	}
}

// NotFoundError reports a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError creates a NotFoundError for the given resource and id.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError reports a malformed or missing input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// RequiredError creates a ValidationError for a missing required field.
func RequiredError(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// AccessDeniedError reports an authorization failure against a resource.
type AccessDeniedError struct {
	Resource  string
	ID        string
	AccountID string
	Reason    string
}

func (e *AccessDeniedError) Error() string {
	msg := fmt.Sprintf("access denied to %s %q for account %s", e.Resource, e.ID, e.AccountID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *AccessDeniedError) Unwrap() error { return ErrForbidden }

// NewAccessDeniedError creates an AccessDeniedError.
func NewAccessDeniedError(resource, id, accountID string) error {
	return &AccessDeniedError{Resource: resource, ID: id, AccountID: accountID}
}

// AuthenticationError reports a failed credential check, distinct from a
// missing resource: a wallet that exists but whose password is wrong raises
// this, never NotFound.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

func (e *AuthenticationError) Unwrap() error { return ErrUnauthorized }

// NewAuthenticationError creates an AuthenticationError.
func NewAuthenticationError(message string) error {
	return &AuthenticationError{Message: message}
}

// ConflictError reports a uniqueness or state conflict.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrAlreadyExists }

// NewConflictError creates a ConflictError.
func NewConflictError(resource, id, reason string) error {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

// OwnershipError reports a resource owned by a different account.
type OwnershipError struct {
	Resource  string
	ID        string
	AccountID string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s %s does not belong to account %s", e.Resource, e.ID, e.AccountID)
}

func (e *OwnershipError) Unwrap() error { return ErrForbidden }

// NewOwnershipError creates an OwnershipError.
func NewOwnershipError(resource, id, accountID string) error {
	return &OwnershipError{Resource: resource, ID: id, AccountID: accountID}
}

// EnsureOwnership verifies that a resource belongs to the requesting
// account. An empty resource account never matches.
func EnsureOwnership(resourceAccountID, requestAccountID, resourceType, resourceID string) error {
	if resourceAccountID == "" || resourceAccountID != requestAccountID {
		return NewOwnershipError(resourceType, resourceID, requestAccountID)
	}
	return nil
}

// UpstreamError reports a failure in an external system: an unreachable
// price source, a failed RPC call, a rejected broadcast.
type UpstreamError struct {
	System string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.System, e.Err)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

// NewUpstreamError wraps an external-system failure.
func NewUpstreamError(system string, err error) error {
	return &UpstreamError{System: system, Err: err}
}

// UnsupportedOperationError reports an operation string the dispatcher has
// no handler for.
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("operation %q is not supported", e.Operation)
}

func (e *UnsupportedOperationError) Unwrap() error { return ErrUnsupportedOperation }

// NewUnsupportedOperationError creates an UnsupportedOperationError.
func NewUnsupportedOperationError(operation string) error {
	return &UnsupportedOperationError{Operation: operation}
}

// ServiceError annotates an error with the service and operation it
// occurred in, preserving the underlying error chain.
type ServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Service, e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WrapServiceError wraps err with service/operation context. A nil err
// returns nil.
func WrapServiceError(service, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Op: op, Err: err}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidationError reports whether err is a validation error.
func IsValidationError(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsAuthentication reports whether err is a credential failure.
func IsAuthentication(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyExists)
}

// IsUpstream reports whether err is an external-system failure.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrServiceUnavailable)
}

// IsUnsupportedOperation reports whether err is an unknown-operation error.
func IsUnsupportedOperation(err error) bool { return errors.Is(err, ErrUnsupportedOperation) }

// IsOwnershipError reports whether err is specifically an OwnershipError.
func IsOwnershipError(err error) bool {
	var oe *OwnershipError
	return errors.As(err, &oe)
}
