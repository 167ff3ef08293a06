package app

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the addressed agent or user does not exist.
var ErrNotFound = errors.New("not found")

// Validation reasons.
const (
	ReasonRequired    = "is required"
	ReasonInvalidDate = "must be a date (YYYY-MM-DD or RFC 3339)"
	ReasonMismatch    = "does not match password"
	ReasonEmptyUpdate = "no fields to update"
)

// ValidationError reports a missing or malformed input field. Field is empty
// when the error concerns the request as a whole.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}

// ConflictError reports that a unique field value is already taken.
type ConflictError struct {
	Field string
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists", e.Field)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// PersistenceError wraps an unexpected record store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ParseError reports an unreadable request body.
type ParseError struct {
	Reason   string
	TooLarge bool
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func required(field string) error {
	return &ValidationError{Field: field, Reason: ReasonRequired}
}
