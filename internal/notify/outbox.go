package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/db"
)

// OutboxRelay re-sends events that were committed but never acknowledged,
// because the dispatcher queue was full, a sink kept failing or the process
// stopped before delivery.
type OutboxRelay struct {
	outbox  appointment.Outbox
	deliver func(ctx context.Context, events []appointment.ChangeEvent) error
	tenants []string
	grace   time.Duration
	batch   int
	now     func() time.Time
	log     zerolog.Logger
}

// NewOutboxRelay re-sends through d. Events younger than grace are skipped so
// the relay does not race the dispatcher on fresh batches.
func NewOutboxRelay(outbox appointment.Outbox, d *Dispatcher, tenants []string, grace time.Duration, batch int, log zerolog.Logger) *OutboxRelay {
	if batch < 1 {
		batch = 100
	}
	return &OutboxRelay{
		outbox:  outbox,
		deliver: d.Deliver,
		tenants: tenants,
		grace:   grace,
		batch:   batch,
		now:     time.Now,
		log:     log,
	}
}

// RunOnce re-sends one batch per tenant and returns how many events were
// delivered. Errors are logged per tenant; the first one is returned.
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	var (
		sent     int
		firstErr error
	)
	before := r.now().Add(-r.grace)
	for _, tenant := range r.tenants {
		tctx := db.WithTenant(ctx, tenant)
		events, err := r.outbox.PendingEvents(tctx, before, r.batch)
		if err == nil && len(events) > 0 {
			err = r.deliver(tctx, events)
		}
		if err != nil {
			r.log.Error().Err(err).Str("tenant_id", tenant).Msg("outbox relay failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(events) > 0 {
			r.log.Info().Str("tenant_id", tenant).Int("events", len(events)).Msg("outbox events re-sent")
		}
		sent += len(events)
	}
	return sent, firstErr
}

// Run calls RunOnce every interval until ctx is done.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.RunOnce(ctx)
		}
	}
}
