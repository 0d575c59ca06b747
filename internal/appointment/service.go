package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

// Service is the appointment queue and slot-scheduling engine. Every mutating
// method is one transaction that ends with a queue recompute for each
// doctor/day it touched.
type Service struct {
	store    Store
	locker   redisclient.Locker
	notifier Notifier
	cfg      config.Config
	loc      *time.Location
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(store Store, locker redisclient.Locker, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		locker:   locker,
		notifier: nopNotifier{},
		cfg:      cfg,
		loc:      cfg.Location(),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location is the clinic time zone used to derive service dates.
func (s *Service) Location() *time.Location { return s.loc }

type txFunc func(ctx context.Context, tx Tx, ev *eventBuffer) error

// mutate runs fn inside the distributed lock of one doctor/day queue and one
// serializable transaction. Events are persisted with the transaction and
// handed to the notifier only after the lock is released.
func (s *Service) mutate(ctx context.Context, op string, doctorID uuid.UUID, day time.Time, fn txFunc) error {
	return s.mutateQueues(ctx, op, doctorID, []time.Time{day}, fn)
}

// mutateQueues is mutate over several days of one doctor. Both the distributed
// and the advisory locks are taken in ascending day order.
func (s *Service) mutateQueues(ctx context.Context, op string, doctorID uuid.UUID, days []time.Time, fn txFunc) error {
	days = uniqueDays(days)
	tenant := db.TenantFromContext(ctx)
	keys := make([]string, len(days))
	for i, day := range days {
		keys[i] = fmt.Sprintf("queue:%s:%s:%s", tenant, doctorID, day.Format(DayLayout))
	}

	var events []ChangeEvent
	err := s.withLocks(ctx, keys, func(lockCtx context.Context) error {
		var err error
		events, err = s.runTx(lockCtx, func(ctx context.Context, tx Tx, ev *eventBuffer) error {
			for _, day := range days {
				if err := tx.LockQueue(ctx, doctorID, day); err != nil {
					return err
				}
			}
			return fn(ctx, tx, ev)
		})
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return &ConcurrencyConflictError{Op: op, Err: err}
		}
		return err
	}

	s.notifier.Notify(ctx, events)
	return nil
}

func (s *Service) withLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	return s.locker.WithLock(ctx, keys[0], func(ctx context.Context) error {
		return s.withLocks(ctx, keys[1:], fn)
	})
}

func uniqueDays(days []time.Time) []time.Time {
	out := make([]time.Time, 0, len(days))
	for _, d := range days {
		dup := false
		for _, o := range out {
			if sameDay(o, d) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// commit is mutate without a queue lock, for writes that never touch queue
// ordering.
func (s *Service) commit(ctx context.Context, fn txFunc) error {
	events, err := s.runTx(ctx, fn)
	if err != nil {
		return err
	}
	s.notifier.Notify(ctx, events)
	return nil
}

func (s *Service) runTx(ctx context.Context, fn txFunc) ([]ChangeEvent, error) {
	var ev *eventBuffer
	err := s.store.InTx(ctx, func(tx Tx) error {
		// A store may re-run fn, so start from a clean buffer every time.
		ev = &eventBuffer{tenant: db.TenantFromContext(ctx), now: s.now()}
		if err := fn(ctx, tx, ev); err != nil {
			return err
		}
		if len(ev.events) == 0 {
			return nil
		}
		return tx.InsertEvents(ctx, ev.events)
	})
	if err != nil {
		return nil, err
	}
	return ev.events, nil
}

func (s *Service) read(ctx context.Context, fn func(tx Tx) error) error {
	return s.store.ReadTx(ctx, fn)
}

// appointmentQueue resolves the doctor/day queue an appointment belongs to.
// Both fields are immutable after creation.
func (s *Service) appointmentQueue(ctx context.Context, id uuid.UUID) (uuid.UUID, time.Time, error) {
	var doctorID uuid.UUID
	var day time.Time
	err := s.read(ctx, func(tx Tx) error {
		a, err := tx.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		doctorID, day = a.DoctorID, a.ServiceDate
		return nil
	})
	return doctorID, day, err
}

func (s *Service) slotQueue(ctx context.Context, id uuid.UUID) (uuid.UUID, time.Time, error) {
	var doctorID uuid.UUID
	var day time.Time
	err := s.read(ctx, func(tx Tx) error {
		sl, err := tx.GetSlot(ctx, id)
		if err != nil {
			return err
		}
		doctorID, day = sl.DoctorID, sl.Date
		return nil
	})
	return doctorID, day, err
}

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
