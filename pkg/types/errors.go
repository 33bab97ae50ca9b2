package types

import (
	"errors"
	"fmt"
)

// Security error reasons
const (
	ReasonAuthTagMismatch  = "auth_tag_mismatch"
	ReasonCorruptPayload   = "corrupt_payload"
	ReasonPermissionDenied = "permission_denied"
)

// Dispatch error reasons
const (
	ReasonUnknownRef = "unknown_ref"
	ReasonWrongType  = "wrong_type"
	ReasonBadShape   = "bad_shape"
)

// ValidationError rejects malformed input at registration time, before any
// durable state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for the given field
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// SecurityError covers integrity failures and permission denials. Never
// retried; surfaced to the invoking principal.
type SecurityError struct {
	Reason string
	Detail string
}

func (e *SecurityError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("security error: %s", e.Reason)
	}
	return fmt.Sprintf("security error: %s: %s", e.Reason, e.Detail)
}

// DispatchError covers reference resolution and invocation shape failures.
// Fails the step immediately, honouring the step's on_error policy.
type DispatchError struct {
	Reason string
	Ref    string
	Detail string
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch error: %s", e.Reason)
	if e.Ref != "" {
		msg += fmt.Sprintf(" (%s)", e.Ref)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// TransientError marks a failure worth retrying: DB deadlocks, queue hiccups,
// flaky downstream calls. Everything not wrapped in TransientError is treated
// as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// NotFoundError reports a missing named entity
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ErrorKind names the classification of err for error_info records.
func ErrorKind(err error) string {
	var (
		ve *ValidationError
		se *SecurityError
		de *DispatchError
		te *TransientError
		nf *NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &se):
		return "security"
	case errors.As(err, &de):
		return "dispatch"
	case errors.As(err, &te):
		return "transient"
	case errors.As(err, &nf):
		return "not_found"
	default:
		return "error"
	}
}
