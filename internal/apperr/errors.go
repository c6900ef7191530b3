// Package apperr defines the error taxonomy shared by the store, the sync
// engine and the presentation transports.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrUnreachable marks network-level failures. The next scheduled
	// trigger retries without user action.
	ErrUnreachable = errors.New("remote unreachable")

	// ErrAuthRequired marks an invalid, expired or revoked credential.
	// It aborts the current sync cycle.
	ErrAuthRequired = errors.New("authentication required")
)

// ValidationError lists the offending fields of a rejected entity.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// FieldNames returns the offending field names in sorted order.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: fmt.Sprintf(format, args...)}}
}

// FromValidation converts an ozzo-validation result into a ValidationError.
// Nil stays nil; errors that are not field errors are returned unchanged.
func FromValidation(err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(verrs))}
	for field, ferr := range verrs {
		if ferr == nil {
			continue
		}
		out.Fields[field] = ferr.Error()
	}
	if len(out.Fields) == 0 {
		return nil
	}
	return out
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
