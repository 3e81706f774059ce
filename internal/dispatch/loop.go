// Package dispatch drives the delivery tick: every second it drains all
// currently-due entries from the readiness queue and hands them to the
// gateway.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"remindd/internal/domain"
	"remindd/internal/gateway"
	"remindd/internal/ready"
)

// Store is the slice of the schedule store the loop needs.
type Store interface {
	Get(ctx context.Context, id int64) (domain.Record, error)
	MarkTerminal(ctx context.Context, id int64) error
	AdvanceRepeat(ctx context.Context, id int64, fireAt time.Time) error
}

type Loop struct {
	store Store
	queue *ready.Queue
	gw    gateway.Gateway
	tick  time.Duration
	log   zerolog.Logger

	stop chan struct{}
	now  func() time.Time
}

func NewLoop(store Store, queue *ready.Queue, gw gateway.Gateway, tick time.Duration, log zerolog.Logger) *Loop {
	if tick <= 0 {
		tick = time.Second
	}
	return &Loop{
		store: store,
		queue: queue,
		gw:    gw,
		tick:  tick,
		log:   log,
		stop:  make(chan struct{}),
		now:   time.Now,
	}
}

// Run blocks until ctx is canceled or Stop is called. Ticking begins only
// after the ready channel closes, so deliveries never race the host's
// startup.
func (l *Loop) Run(ctx context.Context, readyCh <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-l.stop:
		return
	case <-readyCh:
	}

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	l.log.Info().Dur("tick", l.tick).Msg("dispatch loop started")

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("dispatch loop stopped")
			return
		case <-l.stop:
			l.log.Info().Msg("dispatch loop stopped")
			return
		case <-ticker.C:
			l.drain(ctx, l.now().UTC())
		}
	}
}

func (l *Loop) Stop() { close(l.stop) }

// drain pops due entries until the queue is empty or the earliest entry is
// still in the future. The queue is sorted, so the first not-yet-due entry
// ends the pass; it goes back unchanged. A panic in one pass is logged and
// absorbed so a single bad record cannot kill the loop; the in-flight entry
// goes back on the queue, so a delivery that already happened may repeat.
func (l *Loop) drain(ctx context.Context, now time.Time) {
	var inFlight *ready.Entry
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("dispatch tick panicked")
			if inFlight != nil {
				l.queue.Push(*inFlight)
			}
		}
	}()

	for {
		entry, ok := l.queue.PopMin()
		if !ok {
			return
		}
		if entry.FireAt.After(now) {
			l.queue.Push(entry)
			return
		}
		inFlight = &entry
		if !l.fire(ctx, entry, now) {
			return
		}
		inFlight = nil
	}
}

// fire handles one due entry: re-check cancellation against the store,
// deliver, then either terminate the schedule or advance and requeue it.
// Returns false to end the pass when the store cannot be read; the entry is
// pushed back unchanged and retried on a later tick.
func (l *Loop) fire(ctx context.Context, entry ready.Entry, now time.Time) bool {
	attempt := uuid.NewString()
	log := l.log.With().Int64("schedule_id", entry.ID).Str("attempt", attempt).Logger()

	rec, err := l.store.Get(ctx, entry.ID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Error().Msg("queued schedule missing from store, dropping")
		return true
	}
	if err != nil {
		// A store outage must not cancel anything; the record stays queued
		// and the re-check runs again next tick.
		log.Error().Err(err).Msg("schedule re-check failed, retrying later")
		l.queue.Push(entry)
		return false
	}
	// A schedule may be canceled after it was queued; the pop-time check
	// closes that window.
	if rec.Canceled {
		log.Warn().Msg("schedule canceled after queuing, dropping")
		return true
	}

	err = l.gw.Deliver(ctx, gateway.Delivery{
		ScheduleID: rec.ID,
		TenantID:   rec.TenantID,
		TargetID:   rec.TargetID,
		OwnerID:    rec.OwnerID,
		Payload:    rec.Payload,
		Notify:     rec.Notify,
	})
	if err != nil {
		log.Warn().Err(err).Msg("delivery failed, terminating schedule")
		l.terminate(ctx, rec.ID, log)
		return true
	}

	if rec.OneShot() {
		log.Info().Msg("one-shot delivered")
		l.terminate(ctx, rec.ID, log)
		return true
	}

	// Repeat from now, not from the original fire time: the record was read
	// fresh above so edits to the interval take effect here.
	next := rec.NextAfter(now)
	if err := l.store.AdvanceRepeat(ctx, rec.ID, next); err != nil {
		log.Error().Err(err).Msg("failed to persist repeat advance")
	}
	l.queue.Push(ready.Entry{ID: rec.ID, FireAt: next})
	log.Info().Time("next_fire_at", next).Msg("repeat delivered")
	return true
}

func (l *Loop) terminate(ctx context.Context, id int64, log zerolog.Logger) {
	if err := l.store.MarkTerminal(ctx, id); err != nil {
		log.Error().Err(err).Msg("failed to terminate schedule")
	}
}
