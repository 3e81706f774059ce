// Package gateway defines the delivery boundary. The gateway revalidates the
// destination on its own side; the engine trusts it entirely and treats any
// error as a terminal delivery failure.
package gateway

import "context"

// Delivery carries everything the gateway needs for one attempt.
type Delivery struct {
	ScheduleID int64  `json:"schedule_id"`
	TenantID   int64  `json:"tenant_id"`
	TargetID   int64  `json:"target_id"`
	OwnerID    int64  `json:"owner_id"`
	Payload    string `json:"payload"`
	Notify     bool   `json:"notify"`
}

type Gateway interface {
	Deliver(ctx context.Context, d Delivery) error
}
