package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-queue/internal/db"
)

// PgStore keeps every tenant in its own schema, tenant_<id>, created by
// db.Migrator.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

func (s *PgStore) ReadTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (s *PgStore) run(ctx context.Context, opts pgx.TxOptions, fn func(tx Tx) error) error {
	schema, err := db.SchemaFor(db.TenantFromContext(ctx))
	if err != nil {
		return invalid("tenant_id", "%v", err)
	}

	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// mapPgError turns the Postgres errors the engine expects into domain errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return &ConcurrencyConflictError{Op: "transaction", Err: err}
	case "23503":
		return &ReferenceNotFoundError{Entity: referencedEntity(pgErr.ConstraintName)}
	case "23505":
		if pgErr.ConstraintName == "doctor_slots_name_unique" {
			return invalid("name", "is already used on this date")
		}
		return &ConcurrencyConflictError{Op: "transaction", Err: err}
	}
	return err
}

func referencedEntity(constraint string) string {
	switch {
	case strings.Contains(constraint, "doctor_id"):
		return "clinician"
	case strings.Contains(constraint, "patient_id"):
		return "patient"
	case strings.Contains(constraint, "slot_id"):
		return "slot"
	}
	return "reference"
}

type pgTx struct {
	tx pgx.Tx
}

// Helpers

const slotColumns = `id, doctor_id, service_date, name, start_time, end_time,
	max_capacity, current_bookings, next_booking_order, active, created_at, updated_at`

func scanSlot(row pgx.Row) (*DoctorSlot, error) {
	var s DoctorSlot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Date,
		&s.Name,
		&s.StartTime,
		&s.EndTime,
		&s.MaxCapacity,
		&s.CurrentBookings,
		&s.NextBookingOrder,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const appointmentSelect = `
	SELECT a.id, a.doctor_id, a.patient_id, a.service_date, a.scheduled_at, a.duration_minutes,
	       a.status, a.patient_checked_in, a.checked_in_at, a.actual_start_time, a.actual_end_time,
	       a.estimated_start_time, a.queue_position, a.emergency, a.emergency_reason,
	       a.delay_minutes, a.delay_reason, a.slot_id, a.diagnosis, a.prescription, a.notes,
	       a.cancellation_reason, a.rescheduled_to, a.created_at, a.updated_at, b.booking_order
	FROM appointments a
	LEFT JOIN slot_bookings b ON b.appointment_id = a.id`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.ServiceDate,
		&a.ScheduledAt,
		&a.DurationMinutes,
		&a.Status,
		&a.PatientCheckedIn,
		&a.CheckedInAt,
		&a.ActualStartTime,
		&a.ActualEndTime,
		&a.EstimatedStartTime,
		&a.QueuePosition,
		&a.Emergency,
		&a.EmergencyReason,
		&a.DelayMinutes,
		&a.DelayReason,
		&a.SlotID,
		&a.Diagnosis,
		&a.Prescription,
		&a.Notes,
		&a.CancellationReason,
		&a.RescheduledTo,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.BookingOrder,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func noRows(err error, entity string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, id)
	}
	return err
}

// Interface methods

func (t *pgTx) LockQueue(ctx context.Context, doctorID uuid.UUID, day time.Time) error {
	key := doctorID.String() + ":" + day.Format(DayLayout)
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("lock queue %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) GetSlot(ctx context.Context, id uuid.UUID) (*DoctorSlot, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM doctor_slots WHERE id = $1`, id)
	sl, err := scanSlot(row)
	if err != nil {
		return nil, noRows(err, EntitySlot, id)
	}
	return sl, nil
}

func (t *pgTx) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*DoctorSlot, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM doctor_slots WHERE id = $1 FOR UPDATE`, id)
	sl, err := scanSlot(row)
	if err != nil {
		return nil, noRows(err, EntitySlot, id)
	}
	return sl, nil
}

func (t *pgTx) ListSlots(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]DoctorSlot, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+slotColumns+`
		FROM doctor_slots
		WHERE doctor_id = $1 AND service_date = $2
		ORDER BY start_time, name
	`, doctorID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DoctorSlot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *pgTx) InsertSlots(ctx context.Context, slots []DoctorSlot) error {
	batch := &pgx.Batch{}
	for _, s := range slots {
		batch.Queue(`
			INSERT INTO doctor_slots (`+slotColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, s.ID, s.DoctorID, s.Date, s.Name, s.StartTime, s.EndTime,
			s.MaxCapacity, s.CurrentBookings, s.NextBookingOrder, s.Active, s.CreatedAt, s.UpdatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) UpdateSlot(ctx context.Context, s *DoctorSlot) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE doctor_slots
		SET name = $2,
		    start_time = $3,
		    end_time = $4,
		    max_capacity = $5,
		    current_bookings = $6,
		    next_booking_order = $7,
		    active = $8,
		    updated_at = $9
		WHERE id = $1
	`, s.ID, s.Name, s.StartTime, s.EndTime, s.MaxCapacity, s.CurrentBookings, s.NextBookingOrder, s.Active, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(EntitySlot, s.ID)
	}
	return nil
}

func (t *pgTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM doctor_slots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(EntitySlot, id)
	}
	return nil
}

func (t *pgTx) InsertBooking(ctx context.Context, b SlotBooking) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO slot_bookings (slot_id, appointment_id, booking_order, created_at)
		VALUES ($1, $2, $3, $4)
	`, b.SlotID, b.AppointmentID, b.BookingOrder, b.CreatedAt)
	return err
}

func (t *pgTx) GetBooking(ctx context.Context, appointmentID uuid.UUID) (*SlotBooking, error) {
	var b SlotBooking
	err := t.tx.QueryRow(ctx, `
		SELECT slot_id, appointment_id, booking_order, created_at
		FROM slot_bookings
		WHERE appointment_id = $1
	`, appointmentID).Scan(&b.SlotID, &b.AppointmentID, &b.BookingOrder, &b.CreatedAt)
	if err != nil {
		return nil, noRows(err, "booking", appointmentID)
	}
	return &b, nil
}

func (t *pgTx) DeleteBooking(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM slot_bookings WHERE appointment_id = $1`, appointmentID)
	return err
}

func (t *pgTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, appointmentSelect+` WHERE a.id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, noRows(err, EntityAppointment, id)
	}
	return a, nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (
			id, doctor_id, patient_id, service_date, scheduled_at, duration_minutes, status,
			patient_checked_in, checked_in_at, actual_start_time, actual_end_time,
			estimated_start_time, emergency, emergency_reason, delay_minutes, delay_reason,
			slot_id, diagnosis, prescription, notes, cancellation_reason, rescheduled_to,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24)
	`, a.ID, a.DoctorID, a.PatientID, a.ServiceDate, a.ScheduledAt, a.DurationMinutes, a.Status,
		a.PatientCheckedIn, a.CheckedInAt, a.ActualStartTime, a.ActualEndTime,
		a.EstimatedStartTime, a.Emergency, a.EmergencyReason, a.DelayMinutes, a.DelayReason,
		a.SlotID, a.Diagnosis, a.Prescription, a.Notes, a.CancellationReason, a.RescheduledTo,
		a.CreatedAt, a.UpdatedAt)
	return err
}

// UpdateAppointment never touches queue_position; SetQueuePositions owns it.
func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET scheduled_at = $2,
		    duration_minutes = $3,
		    status = $4,
		    patient_checked_in = $5,
		    checked_in_at = $6,
		    actual_start_time = $7,
		    actual_end_time = $8,
		    estimated_start_time = $9,
		    emergency = $10,
		    emergency_reason = $11,
		    delay_minutes = $12,
		    delay_reason = $13,
		    slot_id = $14,
		    diagnosis = $15,
		    prescription = $16,
		    notes = $17,
		    cancellation_reason = $18,
		    rescheduled_to = $19,
		    updated_at = $20
		WHERE id = $1
	`, a.ID, a.ScheduledAt, a.DurationMinutes, a.Status, a.PatientCheckedIn, a.CheckedInAt,
		a.ActualStartTime, a.ActualEndTime, a.EstimatedStartTime, a.Emergency, a.EmergencyReason,
		a.DelayMinutes, a.DelayReason, a.SlotID, a.Diagnosis, a.Prescription, a.Notes,
		a.CancellationReason, a.RescheduledTo, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(EntityAppointment, a.ID)
	}
	return nil
}

func (t *pgTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	// Replacements keep pointing at nothing rather than blocking the delete.
	if _, err := t.tx.Exec(ctx, `UPDATE appointments SET rescheduled_to = NULL WHERE rescheduled_to = $1`, id); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(EntityAppointment, id)
	}
	return nil
}

func (t *pgTx) ListDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Appointment, error) {
	rows, err := t.tx.Query(ctx, appointmentSelect+`
		WHERE a.doctor_id = $1 AND a.service_date = $2
		ORDER BY a.scheduled_at, a.created_at, a.id
	`, doctorID, day)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (t *pgTx) FindActiveForPatient(ctx context.Context, doctorID, patientID uuid.UUID, day time.Time) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, appointmentSelect+`
		WHERE a.doctor_id = $1
		  AND a.patient_id = $2
		  AND a.service_date = $3
		  AND a.status IN ('scheduled', 'checked-in', 'in-progress')
		ORDER BY a.scheduled_at
		LIMIT 1
	`, doctorID, patientID, day)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, noRows(err, EntityAppointment, patientID)
	}
	return a, nil
}

func (t *pgTx) ListOverdueScheduled(ctx context.Context, before time.Time) ([]Appointment, error) {
	rows, err := t.tx.Query(ctx, appointmentSelect+`
		WHERE a.status = 'scheduled'
		  AND a.patient_checked_in = false
		  AND a.scheduled_at < $1
		ORDER BY a.scheduled_at
	`, before)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (t *pgTx) SetQueuePositions(ctx context.Context, doctorID uuid.UUID, day time.Time, positions map[uuid.UUID]int) error {
	ids := make([]uuid.UUID, 0, len(positions))
	pos := make([]int32, 0, len(positions))
	for id, p := range positions {
		ids = append(ids, id)
		pos = append(pos, int32(p))
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		UPDATE appointments
		SET queue_position = NULL
		WHERE doctor_id = $1
		  AND service_date = $2
		  AND queue_position IS NOT NULL
		  AND NOT (id = ANY($3))
	`, doctorID, day, ids)
	batch.Queue(`
		UPDATE appointments a
		SET queue_position = p.pos
		FROM unnest($3::uuid[], $4::int[]) AS p(id, pos)
		WHERE a.id = p.id
		  AND a.doctor_id = $1
		  AND a.service_date = $2
		  AND a.queue_position IS DISTINCT FROM p.pos
	`, doctorID, day, ids, pos)

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("set queue positions: %w", err)
	}
	return nil
}

// InsertEvents writes events to the outbox and stores the assigned sequence
// on each of them.
func (t *pgTx) InsertEvents(ctx context.Context, events []ChangeEvent) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", ev.EventType, err)
		}
		var serviceDate *time.Time
		if day, err := ParseDay(ev.ServiceDate); err == nil {
			serviceDate = &day
		}
		batch.Queue(`
			INSERT INTO event_logs (entity, entity_id, event_type, before_status, after_status,
				doctor_id, service_date, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
			RETURNING id
		`, ev.Entity, ev.ID, ev.EventType, ev.BeforeStatus, ev.AfterStatus,
			ev.DoctorID, serviceDate, payload, nullableTime(ev.OccurredAt))
	}

	br := t.tx.SendBatch(ctx, batch)
	for i := range events {
		if err := br.QueryRow().Scan(&events[i].Seq); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert event logs: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert event logs: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
