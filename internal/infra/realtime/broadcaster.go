package realtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/infra/worker"
)

var _ adapter.Broadcaster = (*Broadcaster)(nil)

// Publisher forwards events to other replicas (redis.Relay).
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
	Run(ctx context.Context, deliver func(model.Event)) error
}

// Sink consumes global events outside the websocket transport, e.g. admin
// chat alerts. Sinks run on the worker pool of the publishing replica only.
type Sink func(ctx context.Context, ev model.Event) error

// Broadcaster is the realtime service injected into the use cases. With a
// relay every replica receives each event through Redis and delivers it to
// its own hub; without one events go straight to the local hub.
type Broadcaster struct {
	hub   *Hub
	relay Publisher
	pool  *worker.Pool
	sinks []Sink
	log   *zerolog.Logger
}

func NewBroadcaster(hub *Hub, relay Publisher, pool *worker.Pool, logger *zerolog.Logger, sinks ...Sink) *Broadcaster {
	l := logger.With().Str("component", "Broadcaster").Logger()
	return &Broadcaster{hub: hub, relay: relay, pool: pool, sinks: sinks, log: &l}
}

func (b *Broadcaster) Hub() *Hub { return b.hub }

// Broadcast is best effort and never blocks on slow clients.
func (b *Broadcaster) Broadcast(ctx context.Context, ev model.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if b.relay != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		err := b.relay.Publish(pctx, ev)
		cancel()
		if err != nil {
			b.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("relay publish failed, delivering locally")
			b.hub.Deliver(ev)
		}
	} else {
		b.hub.Deliver(ev)
	}

	if !ev.IsGlobal() || b.pool == nil {
		return
	}
	for _, sink := range b.sinks {
		sink := sink
		err := b.pool.Submit(func(ctx context.Context) error { return sink(ctx, ev) })
		if err != nil {
			b.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("sink dropped event")
		}
	}
}

// Run consumes the relay until ctx is done. Without a relay it just waits.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.relay == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		err := b.relay.Run(ctx, func(ev model.Event) { b.hub.Deliver(ev) })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn().Err(err).Msg("relay subscription ended, resubscribing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
