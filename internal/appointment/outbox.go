package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-queue/internal/db"
)

// Outbox exposes the persisted change events of the tenant in ctx. Every
// committed event stays pending until MarkDelivered acknowledges it, which
// makes delivery at-least-once.
type Outbox interface {
	// PendingEvents returns up to limit undelivered events that occurred at
	// or before before, oldest first.
	PendingEvents(ctx context.Context, before time.Time, limit int) ([]ChangeEvent, error)
	MarkDelivered(ctx context.Context, seqs []int64) error
}

func (s *PgStore) PendingEvents(ctx context.Context, before time.Time, limit int) ([]ChangeEvent, error) {
	tenant := db.TenantFromContext(ctx)
	var events []ChangeEvent
	err := s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx Tx) error {
		rows, err := tx.(*pgTx).tx.Query(ctx, `
			SELECT id, entity, entity_id, event_type, before_status, after_status,
				doctor_id, service_date, payload, created_at
			FROM event_logs
			WHERE delivered_at IS NULL AND created_at <= $1
			ORDER BY id
			LIMIT $2
		`, before, limit)
		if err != nil {
			return fmt.Errorf("query pending events: %w", err)
		}
		events, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChangeEvent, error) {
			return scanEvent(row, tenant)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func scanEvent(row pgx.Row, tenant string) (ChangeEvent, error) {
	var (
		ev          ChangeEvent
		before      *string
		after       *string
		doctorID    *uuid.UUID
		serviceDate *time.Time
		payload     []byte
	)
	if err := row.Scan(&ev.Seq, &ev.Entity, &ev.ID, &ev.EventType, &before, &after,
		&doctorID, &serviceDate, &payload, &ev.OccurredAt); err != nil {
		return ChangeEvent{}, fmt.Errorf("scan event: %w", err)
	}
	ev.TenantID = tenant
	if before != nil {
		st := AppointmentStatus(*before)
		ev.BeforeStatus = &st
	}
	if after != nil {
		st := AppointmentStatus(*after)
		ev.AfterStatus = &st
	}
	if doctorID != nil {
		ev.DoctorID = *doctorID
	}
	if serviceDate != nil {
		ev.ServiceDate = serviceDate.Format(DayLayout)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return ChangeEvent{}, fmt.Errorf("decode payload of event %d: %w", ev.Seq, err)
		}
	}
	return ev, nil
}

func (s *PgStore) MarkDelivered(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	return s.run(ctx, pgx.TxOptions{}, func(tx Tx) error {
		_, err := tx.(*pgTx).tx.Exec(ctx, `
			UPDATE event_logs SET delivered_at = now()
			WHERE id = ANY($1) AND delivered_at IS NULL
		`, seqs)
		if err != nil {
			return fmt.Errorf("mark events delivered: %w", err)
		}
		return nil
	})
}
