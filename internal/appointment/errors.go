package appointment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Sentinels for errors.Is; the typed errors below unwrap to them.
var (
	ErrValidation          = errors.New("validation failed")
	ErrSlotFull            = errors.New("slot is full")
	ErrSlotInactive        = errors.New("slot is inactive")
	ErrCapacityBelowBooked = errors.New("capacity below current bookings")
	ErrSlotHasBookings     = errors.New("slot has bookings")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrNotFound            = errors.New("reference not found")
	ErrConcurrencyConflict = errors.New("concurrent modification, retry the operation")
)

type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every violated field, not just the first.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(field, format string, args ...any) {
	e.Violations = append(e.Violations, FieldViolation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// orNil returns nil when nothing was recorded.
func (e *ValidationError) orNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

func invalid(field, format string, args ...any) error {
	v := &ValidationError{}
	v.add(field, format, args...)
	return v
}

type SlotFullError struct {
	SlotID      uuid.UUID
	MaxCapacity int
}

func (e *SlotFullError) Error() string {
	return fmt.Sprintf("slot %s is full (capacity %d)", e.SlotID, e.MaxCapacity)
}

func (e *SlotFullError) Unwrap() error { return ErrSlotFull }

type SlotInactiveError struct {
	SlotID uuid.UUID
}

func (e *SlotInactiveError) Error() string {
	return fmt.Sprintf("slot %s is inactive", e.SlotID)
}

func (e *SlotInactiveError) Unwrap() error { return ErrSlotInactive }

type CapacityBelowBookingsError struct {
	SlotID          uuid.UUID
	Requested       int
	CurrentBookings int
}

func (e *CapacityBelowBookingsError) Error() string {
	return fmt.Sprintf("slot %s: capacity %d is below current bookings %d", e.SlotID, e.Requested, e.CurrentBookings)
}

func (e *CapacityBelowBookingsError) Unwrap() error { return ErrCapacityBelowBooked }

type SlotHasBookingsError struct {
	SlotID          uuid.UUID
	CurrentBookings int
}

func (e *SlotHasBookingsError) Error() string {
	return fmt.Sprintf("slot %s has %d bookings and cannot be deleted", e.SlotID, e.CurrentBookings)
}

func (e *SlotHasBookingsError) Unwrap() error { return ErrSlotHasBookings }

type IllegalTransitionError struct {
	AppointmentID uuid.UUID
	Current       AppointmentStatus
	Attempted     AppointmentStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("appointment %s: cannot move from %s to %s", e.AppointmentID, e.Current, e.Attempted)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

type ReferenceNotFoundError struct {
	Entity string
	ID     string
}

func (e *ReferenceNotFoundError) Error() string {
	if e.ID == "" {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *ReferenceNotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity string, id uuid.UUID) error {
	return &ReferenceNotFoundError{Entity: entity, ID: id.String()}
}

type ConcurrencyConflictError struct {
	Op  string
	Err error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err == nil {
		return e.Op + ": concurrent modification"
	}
	return fmt.Sprintf("%s: concurrent modification: %v", e.Op, e.Err)
}

// Is lets callers match both the sentinel and the underlying cause.
func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is safe to retry by re-running the whole
// operation with the same inputs.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
