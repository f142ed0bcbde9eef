// Package errs holds the error kinds shared by services and mapped to HTTP statuses at the edge.
package errs

import "errors"

var (
	// ErrUnauthenticated indicates that no identity could be resolved for the caller.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden indicates that the resolved identity lacks the required role or is banned.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation indicates a missing or malformed required field.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates that a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation such as an email already registered.
	ErrConflict = errors.New("conflict")
	// ErrRateLimited indicates a temporary login lockout.
	ErrRateLimited = errors.New("rate limited")
	// ErrStorage indicates an underlying transaction or query failure.
	ErrStorage = errors.New("storage failure")
)

// ServiceError carries a stable operation code, an error kind and the underlying cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

// New builds a ServiceError with the code "<operation>.<reason>".
func New(operation, reason string, kind, cause error) *ServiceError {
	return &ServiceError{code: operation + "." + reason, kind: kind, err: cause}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return e.code + ": " + e.err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is reports whether target is the kind of this error.
func (e *ServiceError) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

// Code returns the "<operation>.<reason>" identifier.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error kind sentinel, or ErrStorage when none was set.
func (e *ServiceError) Kind() error {
	if e.kind == nil {
		return ErrStorage
	}
	return e.kind
}

// Reason returns the final segment of the code.
func (e *ServiceError) Reason() string {
	for i := len(e.code) - 1; i >= 0; i-- {
		if e.code[i] == '.' {
			return e.code[i+1:]
		}
	}
	return e.code
}
