// Package notify delivers committed change events to downstream consumers
// without ever holding up the transaction that produced them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/db"
)

var errStopped = errors.New("dispatcher stopped")

// Sink is one delivery target. A failing sink is retried with backoff; events
// it still refuses stay pending in the outbox.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, events []appointment.ChangeEvent) error
}

type Options struct {
	Buffer     int           // queued batches before Notify leaves events to the relay
	Workers    int           // delivery goroutines
	Attempts   int           // tries per sink and batch
	Backoff    time.Duration // delay before the second try, doubled afterwards
	MaxBackoff time.Duration
	Timeout    time.Duration // per sink call

	// Outbox is acknowledged once every sink took a batch. Without one,
	// events are delivered but never marked.
	Outbox appointment.Outbox
}

func (o *Options) defaults() {
	if o.Buffer < 1 {
		o.Buffer = 1
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = 30 * o.Backoff
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
}

// Dispatcher implements appointment.Notifier with a bounded queue and a pool
// of delivery workers.
type Dispatcher struct {
	sinks []Sink
	log   zerolog.Logger
	opts  Options
	queue chan []appointment.ChangeEvent
	stop  chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(log zerolog.Logger, opts Options, sinks ...Sink) *Dispatcher {
	opts.defaults()
	d := &Dispatcher{
		sinks: sinks,
		log:   log,
		opts:  opts,
		queue: make(chan []appointment.ChangeEvent, opts.Buffer),
		stop:  make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify enqueues events and returns immediately. A batch that does not fit
// stays pending in the outbox for the relay.
func (d *Dispatcher) Notify(_ context.Context, events []appointment.ChangeEvent) {
	if len(events) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().Int("events", len(events)).Msg("notifier closed, events left for outbox relay")
		return
	}

	select {
	case d.queue <- events:
	default:
		d.log.Warn().
			Int("events", len(events)).
			Str("first_event", events[0].EventType).
			Msg("notifier queue full, events left for outbox relay")
	}
}

// Close stops accepting events, cuts retries short and waits until queued
// batches had their attempt.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for events := range d.queue {
		if err := d.Deliver(context.Background(), events); err != nil {
			d.log.Warn().
				Err(err).
				Int("events", len(events)).
				Msg("events left for outbox relay")
		}
	}
}

// Deliver hands events to every sink, retrying each failing sink with
// exponential backoff, and acknowledges them in the outbox when all sinks
// succeeded.
func (d *Dispatcher) Deliver(ctx context.Context, events []appointment.ChangeEvent) error {
	var failed []string
	for _, sink := range d.sinks {
		if err := d.deliverTo(ctx, sink, events); err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				return err
			}
			failed = append(failed, sink.Name())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("sinks %v failed", failed)
	}
	return d.ack(ctx, events)
}

func (d *Dispatcher) deliverTo(ctx context.Context, sink Sink, events []appointment.ChangeEvent) error {
	backoff := d.opts.Backoff
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		err := sink.Deliver(callCtx, events)
		cancel()
		if err == nil {
			return nil
		}

		d.log.Error().
			Err(err).
			Str("sink", sink.Name()).
			Int("attempt", attempt).
			Int("events", len(events)).
			Msg("event delivery failed")
		if attempt >= d.opts.Attempts {
			return err
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-d.stop:
			t.Stop()
			return errStopped
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		if backoff *= 2; backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
	}
}

func (d *Dispatcher) ack(ctx context.Context, events []appointment.ChangeEvent) error {
	if d.opts.Outbox == nil {
		return nil
	}
	byTenant := make(map[string][]int64)
	for _, ev := range events {
		if ev.Seq > 0 {
			byTenant[ev.TenantID] = append(byTenant[ev.TenantID], ev.Seq)
		}
	}
	for tenant, seqs := range byTenant {
		if err := d.opts.Outbox.MarkDelivered(db.WithTenant(ctx, tenant), seqs); err != nil {
			return fmt.Errorf("mark %d events delivered for %s: %w", len(seqs), tenant, err)
		}
	}
	return nil
}
