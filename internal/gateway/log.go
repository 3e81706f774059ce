package gateway

import (
	"context"

	"github.com/rs/zerolog"
)

// Log is a gateway that only records deliveries to the logger. It is the
// default when no webhook URL is configured, and doubles as a dry-run mode.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log { return &Log{log: log} }

func (l *Log) Deliver(_ context.Context, d Delivery) error {
	l.log.Info().
		Int64("schedule_id", d.ScheduleID).
		Int64("tenant_id", d.TenantID).
		Int64("target_id", d.TargetID).
		Int64("owner_id", d.OwnerID).
		Bool("notify", d.Notify).
		Str("payload", d.Payload).
		Msg("delivery (log gateway)")
	return nil
}
