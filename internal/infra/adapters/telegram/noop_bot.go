package telegram

import (
	"context"

	"github.com/rs/zerolog"

	"vibephoto/internal/domain/ports/adapter"
)

var _ adapter.AdminNotifier = (*NoopBot)(nil)

// NoopBot logs admin alerts instead of sending them. Used when no bot token
// is configured.
type NoopBot struct {
	log *zerolog.Logger
}

func NewNoopBot(logger *zerolog.Logger) *NoopBot {
	return &NoopBot{log: logger}
}

func (b *NoopBot) NotifyAdmins(ctx context.Context, text string) error {
	b.log.Info().Str("text", text).Msg("[noop-telegram] admin notification")
	return nil
}
