package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxPayloadLen bounds the message text stored per schedule, in runes.
	MaxPayloadLen = 1000

	// Repeat interval bounds, in minutes. The floor drops to
	// DebugMinRepeatMinutes when debug mode is on so tests can run
	// sub-minute repeat cycles.
	MinRepeatMinutes      = 60.0
	DebugMinRepeatMinutes = 0.2
	MaxRepeatMinutes      = 60.0 * 24 * 365
)

// Record is the durable unit of work: one scheduled delivery, owned by
// an author inside a guild/channel. Canceled is a one-way latch; records
// are never physically deleted.
type Record struct {
	ID       int64     `json:"id"`
	Payload  string    `json:"payload"`
	TenantID int64     `json:"tenant_id"` // guild
	TargetID int64     `json:"target_id"` // channel
	OwnerID  int64     `json:"owner_id"`  // author
	FireAt   time.Time `json:"fire_at"`   // next delivery, UTC, second precision
	Repeat   *float64  `json:"repeat_minutes,omitempty"`
	Canceled bool      `json:"canceled"`
	Notify   bool      `json:"notify"`
}

// OneShot reports whether the record terminates after a single delivery.
func (r Record) OneShot() bool { return r.Repeat == nil }

// NextAfter computes the fire time following a successful repeat delivery:
// now plus the repeat interval. The result may still be in the past when a
// large backlog is being drained; the dispatch loop handles that by
// re-draining.
func (r Record) NextAfter(now time.Time) time.Time {
	if r.Repeat == nil {
		return r.FireAt
	}
	return now.Add(time.Duration(*r.Repeat * float64(time.Minute))).Truncate(time.Second)
}

// Event is a validated admission request, not yet persisted.
type Event struct {
	Payload  string
	TenantID int64
	TargetID int64
	OwnerID  int64
	FireAt   time.Time
	Repeat   *float64
	Notify   bool
}

// Validate normalizes and checks an admission request. The fire time must be
// strictly in the future and the repeat interval inside the allowed bounds.
// Repeat values are rounded to two decimals.
func (e *Event) Validate(now time.Time, debug bool) error {
	e.Payload = strings.TrimSpace(e.Payload)
	if e.Payload == "" {
		return &ValidationError{Field: "payload", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(e.Payload) > MaxPayloadLen {
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("exceeds %d characters", MaxPayloadLen)}
	}
	if e.TenantID <= 0 || e.TargetID <= 0 || e.OwnerID <= 0 {
		return &ValidationError{Field: "ids", Reason: "tenant, target and owner ids are required"}
	}
	e.FireAt = e.FireAt.UTC().Truncate(time.Second)
	if !e.FireAt.After(now) {
		return &ValidationError{Field: "fire_at", Reason: "must be in the future"}
	}
	r, err := NormalizeRepeat(e.Repeat, debug)
	if err != nil {
		return err
	}
	e.Repeat = r
	return nil
}

// NormalizeRepeat rounds a repeat interval to two decimals and enforces the
// [min, MaxRepeatMinutes] bounds. A nil or non-positive value means one-shot.
func NormalizeRepeat(repeat *float64, debug bool) (*float64, error) {
	if repeat == nil {
		return nil, nil
	}
	r := math.Round(*repeat*100) / 100
	if r <= 0 {
		return nil, nil
	}
	if r > MaxRepeatMinutes {
		return nil, &ValidationError{Field: "repeat_minutes", Reason: "repeat cannot be longer than a year"}
	}
	min := MinRepeatMinutes
	if debug {
		min = DebugMinRepeatMinutes
	}
	if r < min {
		return nil, &ValidationError{
			Field:  "repeat_minutes",
			Reason: fmt.Sprintf("repeat cannot be shorter than %g minutes", min),
		}
	}
	return &r, nil
}
