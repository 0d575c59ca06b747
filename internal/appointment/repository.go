package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store opens transactions against the persistent state of one tenant. The
// tenant is taken from ctx (see db.WithTenant).
type Store interface {
	// InTx runs fn in a serializable read-write transaction. Either every
	// write made through tx is committed or none is.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// ReadTx runs fn in a read-only transaction.
	ReadTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx contains all DB interactions needed by the service. Not-found lookups
// return a *ReferenceNotFoundError.
type Tx interface {
	// LockQueue serializes writers of one doctor/day queue until the
	// transaction ends.
	LockQueue(ctx context.Context, doctorID uuid.UUID, day time.Time) error

	// Slots
	GetSlot(ctx context.Context, id uuid.UUID) (*DoctorSlot, error)
	GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*DoctorSlot, error)
	ListSlots(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]DoctorSlot, error)
	InsertSlots(ctx context.Context, slots []DoctorSlot) error
	UpdateSlot(ctx context.Context, s *DoctorSlot) error
	DeleteSlot(ctx context.Context, id uuid.UUID) error

	// Booking ledger
	InsertBooking(ctx context.Context, b SlotBooking) error
	GetBooking(ctx context.Context, appointmentID uuid.UUID) (*SlotBooking, error)
	DeleteBooking(ctx context.Context, appointmentID uuid.UUID) error

	// Appointments
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error
	ListDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error)
	FindActiveForPatient(ctx context.Context, doctorID, patientID uuid.UUID, day time.Time) (*Appointment, error)
	ListOverdueScheduled(ctx context.Context, before time.Time) ([]Appointment, error)

	// SetQueuePositions writes every position of a doctor/day in one batch.
	// Appointments absent from positions get a NULL position.
	SetQueuePositions(ctx context.Context, doctorID uuid.UUID, day time.Time, positions map[uuid.UUID]int) error

	// Event log
	InsertEvents(ctx context.Context, events []ChangeEvent) error
}
