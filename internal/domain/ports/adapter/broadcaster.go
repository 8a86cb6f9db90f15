package adapter

import (
	"context"

	"vibephoto/internal/domain/model"
)

// Broadcaster fans an event out to connected clients. Delivery is best
// effort: clients re-read authoritative state on reconnect.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev model.Event)
}
