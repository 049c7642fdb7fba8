package clinic

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrReference    = errors.New("reference not found")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrSourceFormat = errors.New("invalid source")
)

// ValidationError reports a missing or malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ReferenceError names the foreign key that did not resolve.
type ReferenceError struct {
	Field string
}

func (e *ReferenceError) Error() string { return fmt.Sprintf("invalid %s", e.Field) }

func (e *ReferenceError) Unwrap() error { return ErrReference }

// ConflictError reports a natural-key collision or a restricted delete.
type ConflictError struct {
	Entity string
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("%s %q already exists", e.Entity, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// SourceFormatError is raised when the batch source is missing or
// unreadable. Migration aborts before touching any store.
type SourceFormatError struct {
	Source string
	Err    error
}

func (e *SourceFormatError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceFormatError) Unwrap() []error { return []error{ErrSourceFormat, e.Err} }

// NotFoundError wraps ErrNotFound with the entity that was looked up.
func NotFoundError(entity string) error {
	return fmt.Errorf("%s %w", entity, ErrNotFound)
}
