package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup or cancellation targets a record
// that does not exist, is already canceled, or belongs to someone else.
var ErrNotFound = errors.New("schedule not found")

// ValidationError reports a bad admission request. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaScope names which ceiling was hit.
type QuotaScope string

const (
	QuotaChannel QuotaScope = "channel"
	QuotaGuild   QuotaScope = "guild"
)

// QuotaExceededError reports that admitting another schedule would exceed
// the per-channel or per-guild ceiling.
type QuotaExceededError struct {
	Scope QuotaScope
	Limit int
	Count int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("too many active schedules in %s (%d/%d)", e.Scope, e.Count, e.Limit)
}
