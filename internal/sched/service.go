// Package sched is the admission layer: it validates schedule requests,
// enforces quotas, persists records and feeds the readiness queue.
package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"remindd/internal/domain"
	"remindd/internal/quota"
	"remindd/internal/ready"
)

// PageSize is the fixed listing page size.
const PageSize = 10

// Store is the slice of the schedule store the service needs.
type Store interface {
	Insert(ctx context.Context, ev domain.Event) (domain.Record, error)
	SoftCancel(ctx context.Context, id, ownerID, tenantID int64) (domain.Record, error)
	Update(ctx context.Context, id, ownerID, tenantID int64, payload string, targetID int64, repeat *float64, notify bool) (domain.Record, error)
	Get(ctx context.Context, id int64) (domain.Record, error)
	CountActive(ctx context.Context, tenantID, targetID int64) (int, error)
	ListActive(ctx context.Context, tenantID, targetID int64, limit, offset int) ([]domain.Record, error)
}

type Service struct {
	store Store
	queue *ready.Queue
	quota *quota.Enforcer
	debug bool
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store Store, queue *ready.Queue, enforcer *quota.Enforcer, debug bool, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		queue: queue,
		quota: enforcer,
		debug: debug,
		log:   log,
		now:   time.Now,
	}
}

// Schedule admits a new record: validate, check quotas, insert durably, then
// hand the entry to the readiness queue.
func (s *Service) Schedule(ctx context.Context, ev domain.Event) (domain.Record, error) {
	if err := ev.Validate(s.now().UTC(), s.debug); err != nil {
		return domain.Record{}, err
	}
	if err := s.quota.CheckAdmission(ctx, ev.TenantID, ev.TargetID); err != nil {
		return domain.Record{}, err
	}
	rec, err := s.store.Insert(ctx, ev)
	if err != nil {
		return domain.Record{}, err
	}
	s.queue.Push(ready.EntryOf(rec))

	s.log.Info().
		Int64("schedule_id", rec.ID).
		Int64("tenant_id", rec.TenantID).
		Int64("target_id", rec.TargetID).
		Int64("owner_id", rec.OwnerID).
		Time("fire_at", rec.FireAt).
		Bool("notify", rec.Notify).
		Msg("schedule created")
	return rec, nil
}

// Cancel soft-deletes the record if it is active and owned by the caller.
// The queue entry, if any, is discarded lazily by the dispatch loop's
// pop-time re-check.
func (s *Service) Cancel(ctx context.Context, id, ownerID, tenantID int64) (domain.Record, error) {
	rec, err := s.store.SoftCancel(ctx, id, ownerID, tenantID)
	if err != nil {
		return domain.Record{}, err
	}
	s.log.Info().Int64("schedule_id", id).Msg("schedule canceled")
	return rec, nil
}

// Edit describes a partial update; nil fields are left unchanged. A zero
// repeat clears the interval, turning the record into a one-shot.
type Edit struct {
	Payload  *string
	TargetID *int64
	Repeat   *float64
	Notify   *bool
}

// Edit changes an active record's payload, target, repeat interval or notify
// flag. The fire time never changes here, so the queue needs no update: the
// dispatcher re-reads the row when it fires.
func (s *Service) Edit(ctx context.Context, id, ownerID, tenantID int64, edit Edit) (domain.Record, error) {
	cur, err := s.Get(ctx, id, ownerID, tenantID)
	if err != nil {
		return domain.Record{}, err
	}

	next := domain.Event{
		Payload:  cur.Payload,
		TenantID: cur.TenantID,
		TargetID: cur.TargetID,
		OwnerID:  cur.OwnerID,
		FireAt:   cur.FireAt,
		Repeat:   cur.Repeat,
		Notify:   cur.Notify,
	}
	if edit.Payload != nil {
		next.Payload = *edit.Payload
	}
	if edit.TargetID != nil {
		next.TargetID = *edit.TargetID
	}
	if edit.Repeat != nil {
		next.Repeat = edit.Repeat
	}
	if edit.Notify != nil {
		next.Notify = *edit.Notify
	}

	// Validate against the record's own fire time: an edit to a record whose
	// next fire is imminent must not be rejected as "in the past".
	if err := next.Validate(next.FireAt.Add(-time.Second), s.debug); err != nil {
		return domain.Record{}, err
	}

	rec, err := s.store.Update(ctx, id, ownerID, tenantID, next.Payload, next.TargetID, next.Repeat, next.Notify)
	if err != nil {
		return domain.Record{}, err
	}
	s.log.Info().Int64("schedule_id", id).Msg("schedule edited")
	return rec, nil
}

// Get fetches a single active record scoped to its owner and tenant.
func (s *Service) Get(ctx context.Context, id, ownerID, tenantID int64) (domain.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.Canceled || rec.OwnerID != ownerID || rec.TenantID != tenantID {
		return domain.Record{}, domain.ErrNotFound
	}
	return rec, nil
}

// Page is one listing page plus enough counts for page math.
type Page struct {
	Records []domain.Record `json:"records"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Pages   int             `json:"pages"`
}

// List returns the page-th page (0-based) of active records for a tenant,
// narrowed to a channel when targetID is non-zero, ordered by fire time.
func (s *Service) List(ctx context.Context, tenantID, targetID int64, page int) (Page, error) {
	if page < 0 {
		page = 0
	}
	total, err := s.store.CountActive(ctx, tenantID, targetID)
	if err != nil {
		return Page{}, err
	}
	recs, err := s.store.ListActive(ctx, tenantID, targetID, PageSize, page*PageSize)
	if err != nil {
		return Page{}, err
	}
	pages := (total + PageSize - 1) / PageSize
	return Page{Records: recs, Total: total, Page: page, Pages: pages}, nil
}
