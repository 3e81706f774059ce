// Package quota enforces per-channel and per-guild active-schedule ceilings
// at admission time.
package quota

import (
	"context"

	"remindd/internal/domain"
)

const (
	DefaultPerChannel = 50
	DefaultPerGuild   = 250
)

// Counter is the slice of the store the enforcer needs. targetID 0 widens
// the count to the whole tenant.
type Counter interface {
	CountActive(ctx context.Context, tenantID, targetID int64) (int, error)
}

type Enforcer struct {
	counter    Counter
	perChannel int
	perGuild   int
}

func NewEnforcer(counter Counter, perChannel, perGuild int) *Enforcer {
	if perChannel <= 0 {
		perChannel = DefaultPerChannel
	}
	if perGuild <= 0 {
		perGuild = DefaultPerGuild
	}
	return &Enforcer{counter: counter, perChannel: perChannel, perGuild: perGuild}
}

// CheckAdmission verifies both ceilings before an insert, channel first.
func (e *Enforcer) CheckAdmission(ctx context.Context, tenantID, targetID int64) error {
	n, err := e.counter.CountActive(ctx, tenantID, targetID)
	if err != nil {
		return err
	}
	if n >= e.perChannel {
		return &domain.QuotaExceededError{Scope: domain.QuotaChannel, Limit: e.perChannel, Count: n}
	}
	n, err = e.counter.CountActive(ctx, tenantID, 0)
	if err != nil {
		return err
	}
	if n >= e.perGuild {
		return &domain.QuotaExceededError{Scope: domain.QuotaGuild, Limit: e.perGuild, Count: n}
	}
	return nil
}
