// Package services implements the session-orchestration core: the profile
// directory cache, the credit ledger, the chat session registry, the idle
// monitor and the message pipeline.
//
// This file centralizes service-level error values. Every sentinel wraps one
// of the kind errors below, so handlers can branch either on the exact case
// (errors.Is(err, ErrAlreadyAssigned)) or on its category
// (errors.Is(err, ErrConflict)) when translating to HTTP status codes.
package services

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrValidation          = errors.New("validation failed")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrStore               = errors.New("store failure")
)

// Error is a sentinel that belongs to a kind.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Unwrap exposes the kind to errors.Is.
func (e *Error) Unwrap() error { return e.Kind }

func newErr(kind error, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Validation errors.
var (
	ErrEmptyContent     = newErr(ErrValidation, "content is empty")
	ErrContentTooLong   = newErr(ErrValidation, "content too long")
	ErrInvalidGender    = newErr(ErrValidation, "gender must be male or female")
	ErrInvalidNotes     = newErr(ErrValidation, "notes field must be real_profile_notes or fictional_profile_notes")
	ErrNotesTooLong     = newErr(ErrValidation, "notes too long")
	ErrInvalidAmount    = newErr(ErrValidation, "amount must be a positive integer")
	ErrInvalidOperator  = newErr(ErrValidation, "operator id is required")
	ErrInvalidPersona   = newErr(ErrValidation, "persona is invalid")
	ErrInvalidAgeFilter = newErr(ErrValidation, "minAge must not exceed maxAge")

	ErrIdempotencyKeyReused = newErr(ErrValidation, "idempotency key was already used for another chat")
)

// Not-found errors.
var (
	ErrChatNotFound     = newErr(ErrNotFound, "chat not found")
	ErrMessageNotFound  = newErr(ErrNotFound, "message not found")
	ErrUserNotFound     = newErr(ErrNotFound, "user not found")
	ErrPersonaNotFound  = newErr(ErrNotFound, "persona not found")
	ErrOperatorNotFound = newErr(ErrNotFound, "operator not found")
)

// Conflict errors.
var (
	ErrAlreadyAssigned   = newErr(ErrConflict, "chat already assigned")
	ErrInvalidTransition = newErr(ErrConflict, "chat is not in a state that allows this transition")
	ErrChatClosed        = newErr(ErrConflict, "chat is closed")
)

// Authorization errors.
var (
	ErrNoIdentity    = newErr(ErrUnauthenticated, "authentication required")
	ErrNotPermitted  = newErr(ErrForbidden, "not allowed to perform this action")
	ErrNotAssignedOp = newErr(ErrForbidden, "caller is not the assigned operator")
	ErrNotChatOwner  = newErr(ErrForbidden, "caller does not own this chat")
)

// StoreError wraps a persistence failure. It matches both ErrStore and the
// underlying cause under errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

// Unwrap returns the kind and the cause.
func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// storeErr wraps err as a StoreError unless it already is one or is a
// service sentinel returned from inside a transaction.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) || errors.Is(err, ErrInsufficientCredits) {
		return err
	}
	var ke *Error
	if errors.As(err, &ke) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
