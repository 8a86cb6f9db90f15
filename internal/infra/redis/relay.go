// File: internal/infra/redis/relay.go
package redis

import (
	"context"
	"encoding/json"

	"vibephoto/internal/domain/model"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Relay forwards realtime events through a Redis channel so that every
// replica can deliver them to its own connections.
type Relay struct {
	cli     *redis.Client
	channel string
	logger  *zerolog.Logger
}

func NewRelay(c *Client, channel string, logger *zerolog.Logger) *Relay {
	l := logger.With().Str("component", "RealtimeRelay").Logger()
	return &Relay{cli: c.Raw(), channel: channel, logger: &l}
}

type relayEnvelope struct {
	Type      model.EventType `json:"type"`
	AccountID string          `json:"account_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	At        json.RawMessage `json:"at"`
}

func (r *Relay) Publish(ctx context.Context, ev model.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.cli.Publish(ctx, r.channel, b).Err()
}

// Run subscribes to the channel and calls deliver for each event until ctx
// is cancelled.
func (r *Relay) Run(ctx context.Context, deliver func(model.Event)) error {
	sub := r.cli.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn().Err(err).Msg("dropping malformed relay message")
				continue
			}
			deliver(ev)
		}
	}
}

func decodeEvent(b []byte) (model.Event, error) {
	var env relayEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return model.Event{}, err
	}
	ev := model.Event{Type: env.Type, AccountID: env.AccountID, Payload: env.Payload}
	if len(env.At) > 0 {
		if err := json.Unmarshal(env.At, &ev.At); err != nil {
			return model.Event{}, err
		}
	}
	return ev, nil
}
