// Package errors defines the substrate error taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies a substrate error.
type Code string

const (
	CodeValidation  Code = "VALIDATION"  // 400, caller's fault, never retried
	CodeNotFound    Code = "NOT_FOUND"   // 404
	CodeDuplicate   Code = "DUPLICATE"   // 409, first-class outcome, not a failure
	CodePersistence Code = "PERSISTENCE" // 503, transient store failure, retryable
	CodeEmbedding   Code = "EMBEDDING"   // absorbed internally, never escalated
	CodeLineage     Code = "LINEAGE"     // advisory, logged and attached as warning
	CodeInternal    Code = "INTERNAL"    // 500
)

// SubstrateError is a structured error with code, HTTP status, and details.
type SubstrateError struct {
	Code    Code
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *SubstrateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *SubstrateError) Unwrap() error {
	return e.cause
}

// NewValidation creates a 400 error naming the missing or malformed field.
func NewValidation(field, msg string) *SubstrateError {
	return &SubstrateError{
		Code:    CodeValidation,
		Status:  400,
		Message: msg,
		Details: map[string]any{"field": field},
	}
}

// NewNotFound creates a 404 error for a missing packet or checkpoint.
func NewNotFound(kind, id string) *SubstrateError {
	return &SubstrateError{
		Code:    CodeNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, id),
		Details: map[string]any{"id": id},
	}
}

// NewDuplicate reports that a logical event already exists. It is an outcome,
// not a failure: callers use it to short-circuit side effects.
func NewDuplicate(eventID, packetID string) *SubstrateError {
	return &SubstrateError{
		Code:    CodeDuplicate,
		Status:  409,
		Message: fmt.Sprintf("event %q already recorded as packet %s", eventID, packetID),
		Details: map[string]any{"event_id": eventID, "packet_id": packetID},
	}
}

// NewPersistence wraps a transient store failure. Retried by the substrate
// service with bounded backoff before surfacing.
func NewPersistence(err error) *SubstrateError {
	msg := "store unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &SubstrateError{
		Code:    CodePersistence,
		Status:  503,
		Message: msg,
		cause:   err,
	}
}

// NewConstraint wraps a constraint violation. Unlike NewPersistence it is
// fatal: resubmitting the same row can never succeed.
func NewConstraint(err error) *SubstrateError {
	msg := "constraint violation"
	if err != nil {
		msg = err.Error()
	}
	return &SubstrateError{
		Code:    CodeInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// NewEmbedding wraps an embedding provider failure. Never escalated to
// failing the write; the packet is marked embedding-pending instead.
func NewEmbedding(err error) *SubstrateError {
	msg := "embedding provider unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &SubstrateError{
		Code:    CodeEmbedding,
		Status:  503,
		Message: msg,
		cause:   err,
	}
}

// NewLineage reports a lineage reference to a packet that does not exist.
// Advisory only: attached to the write result as a warning.
func NewLineage(parentID string) *SubstrateError {
	return &SubstrateError{
		Code:    CodeLineage,
		Status:  200,
		Message: fmt.Sprintf("lineage parent does not exist: %s", parentID),
		Details: map[string]any{"parent_id": parentID},
	}
}

// NewInternal creates a 500 error for unexpected failures.
func NewInternal(err error) *SubstrateError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &SubstrateError{
		Code:    CodeInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// As extracts the SubstrateError in err's chain, if any.
func As(err error) (*SubstrateError, bool) {
	var se *SubstrateError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Is checks whether err is a SubstrateError with the given code.
func Is(err error, code Code) bool {
	var se *SubstrateError
	if stderrors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// Retryable reports whether err is worth retrying. Only transient
// persistence failures qualify; validation and constraint errors never do.
func Retryable(err error) bool {
	return Is(err, CodePersistence)
}
