package abac

import (
	"errors"
	"fmt"
)

// ValidationError reports a syntax or semantic problem in policy text.
// Nothing is persisted when validation fails.
type ValidationError struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Col     int    `json:"col,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("validation: %s (line %d, col %d)", e.Message, e.Line, e.Col)
	}
	if e.Field != "" {
		return fmt.Sprintf("validation: %s (field %s)", e.Message, e.Field)
	}
	return "validation: " + e.Message
}

// NotFoundError indicates an unknown policy or grant identifier.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ConflictError indicates a duplicate identifier on create or a
// concurrent-update version mismatch on update.
type ConflictError struct {
	Reason string
	ID     string
}

func (e *ConflictError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("conflict on %s: %s", e.ID, e.Reason)
	}
	return "conflict: " + e.Reason
}

// AuthorizationDeniedError means the caller lacks rights to manage
// policies. Distinct from a Decision whose outcome is Deny.
type AuthorizationDeniedError struct {
	Actor string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("authorization denied for %q", e.Actor)
}

// UnavailableError wraps a persistence or schema collaborator failure.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}

func IsUnavailable(err error) bool {
	var v *UnavailableError
	return errors.As(err, &v)
}
