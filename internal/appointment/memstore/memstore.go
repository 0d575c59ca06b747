// Package memstore is an in-process implementation of appointment.Store for
// development, simulation and tests. Each write transaction works on a copy of
// the tenant's state which replaces the committed state only when the
// transaction succeeds.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/db"
)

var ErrReadOnly = errors.New("write in read-only transaction")

// Fault is consulted before every write. A non-nil result fails that write,
// and with it the transaction.
type Fault func(op string) error

type Store struct {
	writeMu sync.Mutex // one writer at a time, like a serializable database

	seq int64 // last event sequence, guarded by writeMu

	mu        sync.RWMutex
	tenants   map[string]*state
	events    map[string][]appointment.ChangeEvent
	delivered map[int64]bool
	fault     Fault

	checkRefs bool
}

type Option func(*Store)

// WithReferenceChecks rejects slots and appointments whose doctor or patient
// was not registered, the way foreign keys do in Postgres.
func WithReferenceChecks() Option {
	return func(s *Store) { s.checkRefs = true }
}

func New(opts ...Option) *Store {
	s := &Store{
		tenants: make(map[string]*state),
		events:    make(map[string][]appointment.ChangeEvent),
		delivered: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault installs f for all following transactions. Pass nil to clear it.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

func (s *Store) RegisterClinician(tenant string, id uuid.UUID) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next := s.snapshot(tenant).clone()
	next.clinicians[id] = true
	s.publish(tenant, next)
}

func (s *Store) RegisterPatient(tenant string, id uuid.UUID) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	next := s.snapshot(tenant).clone()
	next.patients[id] = true
	s.publish(tenant, next)
}

// Events returns the committed event log of a tenant.
func (s *Store) Events(tenant string) []appointment.ChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]appointment.ChangeEvent(nil), s.events[tenant]...)
}

func (s *Store) InTx(ctx context.Context, fn func(tx appointment.Tx) error) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	fault := s.fault
	s.mu.RUnlock()

	t := &tx{st: s.snapshot(tenant).clone(), seq: &s.seq, fault: fault, checkRefs: s.checkRefs}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.st.checkPositions(); err != nil {
		return err
	}

	s.mu.Lock()
	s.tenants[tenant] = t.st
	s.events[tenant] = append(s.events[tenant], t.events...)
	s.mu.Unlock()
	return nil
}

// PendingEvents returns the committed events of the tenant in ctx that have
// not been marked delivered.
func (s *Store) PendingEvents(ctx context.Context, before time.Time, limit int) ([]appointment.ChangeEvent, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []appointment.ChangeEvent
	for _, ev := range s.events[tenant] {
		if len(out) == limit {
			break
		}
		if s.delivered[ev.Seq] || ev.OccurredAt.After(before) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, seqs []int64) error {
	if _, err := tenantOf(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault != nil {
		if err := s.fault("mark_delivered"); err != nil {
			return err
		}
	}
	for _, seq := range seqs {
		s.delivered[seq] = true
	}
	return nil
}

func (s *Store) ReadTx(ctx context.Context, fn func(tx appointment.Tx) error) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	return fn(&tx{st: s.snapshot(tenant), readOnly: true})
}

// snapshot returns the committed state. It is never mutated in place.
func (s *Store) snapshot(tenant string) *state {
	s.mu.RLock()
	st, ok := s.tenants[tenant]
	s.mu.RUnlock()
	if !ok {
		return newState()
	}
	return st
}

func (s *Store) publish(tenant string, st *state) {
	s.mu.Lock()
	s.tenants[tenant] = st
	s.mu.Unlock()
}

func tenantOf(ctx context.Context) (string, error) {
	tenant := db.TenantFromContext(ctx)
	if !db.ValidTenant(tenant) {
		return "", &appointment.ValidationError{Violations: []appointment.FieldViolation{
			{Field: "tenant_id", Message: fmt.Sprintf("invalid tenant identifier %q", tenant)},
		}}
	}
	return tenant, nil
}

type state struct {
	slots      map[uuid.UUID]appointment.DoctorSlot
	appts      map[uuid.UUID]appointment.Appointment
	bookings   map[uuid.UUID]appointment.SlotBooking // by appointment id
	clinicians map[uuid.UUID]bool
	patients   map[uuid.UUID]bool
}

func newState() *state {
	return &state{
		slots:      make(map[uuid.UUID]appointment.DoctorSlot),
		appts:      make(map[uuid.UUID]appointment.Appointment),
		bookings:   make(map[uuid.UUID]appointment.SlotBooking),
		clinicians: make(map[uuid.UUID]bool),
		patients:   make(map[uuid.UUID]bool),
	}
}

func (st *state) clone() *state {
	c := &state{
		slots:      make(map[uuid.UUID]appointment.DoctorSlot, len(st.slots)),
		appts:      make(map[uuid.UUID]appointment.Appointment, len(st.appts)),
		bookings:   make(map[uuid.UUID]appointment.SlotBooking, len(st.bookings)),
		clinicians: make(map[uuid.UUID]bool, len(st.clinicians)),
		patients:   make(map[uuid.UUID]bool, len(st.patients)),
	}
	for k, v := range st.slots {
		c.slots[k] = v
	}
	for k, v := range st.appts {
		c.appts[k] = v
	}
	for k, v := range st.bookings {
		c.bookings[k] = v
	}
	for k := range st.clinicians {
		c.clinicians[k] = true
	}
	for k := range st.patients {
		c.patients[k] = true
	}
	return c
}

// checkPositions enforces what the deferred unique constraint on
// (doctor_id, service_date, queue_position) enforces at commit in Postgres.
func (st *state) checkPositions() error {
	type key struct {
		doctor uuid.UUID
		day    string
		pos    int
	}
	seen := make(map[key]uuid.UUID)
	for id, a := range st.appts {
		if a.QueuePosition == nil {
			continue
		}
		k := key{a.DoctorID, a.ServiceDate.Format(appointment.DayLayout), *a.QueuePosition}
		if other, dup := seen[k]; dup {
			return fmt.Errorf("duplicate queue position %d for %s and %s", k.pos, id, other)
		}
		seen[k] = id
	}
	return nil
}

type tx struct {
	st        *state
	events    []appointment.ChangeEvent
	seq       *int64
	readOnly  bool
	fault     Fault
	checkRefs bool
}

func (t *tx) write(op string) error {
	if t.readOnly {
		return fmt.Errorf("%s: %w", op, ErrReadOnly)
	}
	if t.fault != nil {
		if err := t.fault(op); err != nil {
			return err
		}
	}
	return nil
}

func notFound(entity string, id uuid.UUID) error {
	return &appointment.ReferenceNotFoundError{Entity: entity, ID: id.String()}
}

// LockQueue is a no-op: write transactions are already serialized.
func (t *tx) LockQueue(context.Context, uuid.UUID, time.Time) error { return nil }

func (t *tx) GetSlot(_ context.Context, id uuid.UUID) (*appointment.DoctorSlot, error) {
	sl, ok := t.st.slots[id]
	if !ok {
		return nil, notFound(appointment.EntitySlot, id)
	}
	return &sl, nil
}

func (t *tx) GetSlotForUpdate(ctx context.Context, id uuid.UUID) (*appointment.DoctorSlot, error) {
	return t.GetSlot(ctx, id)
}

func (t *tx) ListSlots(_ context.Context, doctorID uuid.UUID, day time.Time) ([]appointment.DoctorSlot, error) {
	var out []appointment.DoctorSlot
	for _, sl := range t.st.slots {
		if sl.DoctorID == doctorID && sameDay(sl.Date, day) {
			out = append(out, sl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (t *tx) InsertSlots(_ context.Context, slots []appointment.DoctorSlot) error {
	if err := t.write("insert_slots"); err != nil {
		return err
	}
	for _, sl := range slots {
		if t.checkRefs && !t.st.clinicians[sl.DoctorID] {
			return &appointment.ReferenceNotFoundError{Entity: "clinician", ID: sl.DoctorID.String()}
		}
		for _, o := range t.st.slots {
			if o.DoctorID == sl.DoctorID && sameDay(o.Date, sl.Date) && strings.EqualFold(o.Name, sl.Name) {
				return fmt.Errorf("slot name %q already used", sl.Name)
			}
		}
		if err := checkSlot(sl); err != nil {
			return err
		}
		t.st.slots[sl.ID] = sl
	}
	return nil
}

func (t *tx) UpdateSlot(_ context.Context, sl *appointment.DoctorSlot) error {
	if err := t.write("update_slot"); err != nil {
		return err
	}
	if _, ok := t.st.slots[sl.ID]; !ok {
		return notFound(appointment.EntitySlot, sl.ID)
	}
	if err := checkSlot(*sl); err != nil {
		return err
	}
	t.st.slots[sl.ID] = *sl
	return nil
}

// checkSlot mirrors the table's CHECK constraints.
func checkSlot(sl appointment.DoctorSlot) error {
	switch {
	case sl.MaxCapacity < appointment.MinSlotCapacity || sl.MaxCapacity > appointment.MaxSlotCapacity:
		return fmt.Errorf("slot %s: max_capacity %d out of range", sl.ID, sl.MaxCapacity)
	case sl.CurrentBookings < 0 || sl.CurrentBookings > sl.MaxCapacity:
		return fmt.Errorf("slot %s: current_bookings %d violates capacity %d", sl.ID, sl.CurrentBookings, sl.MaxCapacity)
	case !sl.StartTime.Before(sl.EndTime):
		return fmt.Errorf("slot %s: start must precede end", sl.ID)
	}
	return nil
}

func (t *tx) DeleteSlot(_ context.Context, id uuid.UUID) error {
	if err := t.write("delete_slot"); err != nil {
		return err
	}
	if _, ok := t.st.slots[id]; !ok {
		return notFound(appointment.EntitySlot, id)
	}
	for _, b := range t.st.bookings {
		if b.SlotID == id {
			return fmt.Errorf("slot %s is still referenced by bookings", id)
		}
	}
	delete(t.st.slots, id)
	return nil
}

func (t *tx) InsertBooking(_ context.Context, b appointment.SlotBooking) error {
	if err := t.write("insert_booking"); err != nil {
		return err
	}
	if _, ok := t.st.slots[b.SlotID]; !ok {
		return notFound(appointment.EntitySlot, b.SlotID)
	}
	if _, ok := t.st.appts[b.AppointmentID]; !ok {
		return notFound(appointment.EntityAppointment, b.AppointmentID)
	}
	if _, dup := t.st.bookings[b.AppointmentID]; dup {
		return fmt.Errorf("appointment %s already has a booking", b.AppointmentID)
	}
	for _, o := range t.st.bookings {
		if o.SlotID == b.SlotID && o.BookingOrder == b.BookingOrder {
			return fmt.Errorf("booking order %d reused in slot %s", b.BookingOrder, b.SlotID)
		}
	}
	t.st.bookings[b.AppointmentID] = b
	return nil
}

func (t *tx) GetBooking(_ context.Context, appointmentID uuid.UUID) (*appointment.SlotBooking, error) {
	b, ok := t.st.bookings[appointmentID]
	if !ok {
		return nil, notFound("booking", appointmentID)
	}
	return &b, nil
}

func (t *tx) DeleteBooking(_ context.Context, appointmentID uuid.UUID) error {
	if err := t.write("delete_booking"); err != nil {
		return err
	}
	delete(t.st.bookings, appointmentID)
	return nil
}

func (t *tx) GetAppointment(_ context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := t.st.appts[id]
	if !ok {
		return nil, notFound(appointment.EntityAppointment, id)
	}
	return t.withBooking(a), nil
}

// withBooking returns a detached copy of a carrying its ledger booking order.
func (t *tx) withBooking(a appointment.Appointment) *appointment.Appointment {
	c := copyAppointment(a)
	c.BookingOrder = nil
	if b, ok := t.st.bookings[a.ID]; ok {
		order := b.BookingOrder
		c.BookingOrder = &order
	}
	return &c
}

func (t *tx) InsertAppointment(_ context.Context, a *appointment.Appointment) error {
	if err := t.write("insert_appointment"); err != nil {
		return err
	}
	if _, dup := t.st.appts[a.ID]; dup {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	if t.checkRefs {
		if !t.st.clinicians[a.DoctorID] {
			return &appointment.ReferenceNotFoundError{Entity: "clinician", ID: a.DoctorID.String()}
		}
		if !t.st.patients[a.PatientID] {
			return &appointment.ReferenceNotFoundError{Entity: "patient", ID: a.PatientID.String()}
		}
	}
	c := copyAppointment(*a)
	c.QueuePosition = nil
	c.BookingOrder = nil
	t.st.appts[a.ID] = c
	return nil
}

func (t *tx) UpdateAppointment(_ context.Context, a *appointment.Appointment) error {
	if err := t.write("update_appointment"); err != nil {
		return err
	}
	cur, ok := t.st.appts[a.ID]
	if !ok {
		return notFound(appointment.EntityAppointment, a.ID)
	}
	c := copyAppointment(*a)
	c.DoctorID = cur.DoctorID
	c.ServiceDate = cur.ServiceDate
	c.CreatedAt = cur.CreatedAt
	c.QueuePosition = cur.QueuePosition
	c.BookingOrder = nil
	t.st.appts[a.ID] = c
	return nil
}

func (t *tx) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	if err := t.write("delete_appointment"); err != nil {
		return err
	}
	if _, ok := t.st.appts[id]; !ok {
		return notFound(appointment.EntityAppointment, id)
	}
	for k, a := range t.st.appts {
		if a.RescheduledTo != nil && *a.RescheduledTo == id {
			a.RescheduledTo = nil
			t.st.appts[k] = a
		}
	}
	delete(t.st.bookings, id)
	delete(t.st.appts, id)
	return nil
}

func (t *tx) ListDay(_ context.Context, doctorID uuid.UUID, day time.Time) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	for _, a := range t.st.appts {
		if a.DoctorID == doctorID && sameDay(a.ServiceDate, day) {
			out = append(out, *t.withBooking(a))
		}
	}
	sortAppointments(out)
	return out, nil
}

func (t *tx) FindActiveForPatient(_ context.Context, doctorID, patientID uuid.UUID, day time.Time) (*appointment.Appointment, error) {
	var match []appointment.Appointment
	for _, a := range t.st.appts {
		if a.DoctorID == doctorID && a.PatientID == patientID && sameDay(a.ServiceDate, day) && a.Status.Active() {
			match = append(match, a)
		}
	}
	if len(match) == 0 {
		return nil, notFound(appointment.EntityAppointment, patientID)
	}
	sortAppointments(match)
	return t.withBooking(match[0]), nil
}

func (t *tx) ListOverdueScheduled(_ context.Context, before time.Time) ([]appointment.Appointment, error) {
	var out []appointment.Appointment
	for _, a := range t.st.appts {
		if a.Status == appointment.StatusScheduled && !a.PatientCheckedIn && a.ScheduledAt.Before(before) {
			out = append(out, *t.withBooking(a))
		}
	}
	sortAppointments(out)
	return out, nil
}

func (t *tx) SetQueuePositions(_ context.Context, doctorID uuid.UUID, day time.Time, positions map[uuid.UUID]int) error {
	if err := t.write("set_queue_positions"); err != nil {
		return err
	}
	for id, a := range t.st.appts {
		if a.DoctorID != doctorID || !sameDay(a.ServiceDate, day) {
			continue
		}
		if pos, ok := positions[id]; ok {
			p := pos
			a.QueuePosition = &p
		} else {
			a.QueuePosition = nil
		}
		t.st.appts[id] = a
	}
	return nil
}

func (t *tx) InsertEvents(_ context.Context, events []appointment.ChangeEvent) error {
	if err := t.write("insert_events"); err != nil {
		return err
	}
	for i := range events {
		*t.seq++
		events[i].Seq = *t.seq
	}
	t.events = append(t.events, events...)
	return nil
}

func sortAppointments(appts []appointment.Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		a, b := appts[i], appts[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

// copyAppointment detaches every pointer field so callers cannot reach the
// stored row.
func copyAppointment(a appointment.Appointment) appointment.Appointment {
	a.CheckedInAt = clonePtr(a.CheckedInAt)
	a.ActualStartTime = clonePtr(a.ActualStartTime)
	a.ActualEndTime = clonePtr(a.ActualEndTime)
	a.EstimatedStartTime = clonePtr(a.EstimatedStartTime)
	a.QueuePosition = clonePtr(a.QueuePosition)
	a.EmergencyReason = clonePtr(a.EmergencyReason)
	a.DelayReason = clonePtr(a.DelayReason)
	a.SlotID = clonePtr(a.SlotID)
	a.Diagnosis = clonePtr(a.Diagnosis)
	a.Prescription = clonePtr(a.Prescription)
	a.Notes = clonePtr(a.Notes)
	a.CancellationReason = clonePtr(a.CancellationReason)
	a.RescheduledTo = clonePtr(a.RescheduledTo)
	a.BookingOrder = clonePtr(a.BookingOrder)
	return a
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
