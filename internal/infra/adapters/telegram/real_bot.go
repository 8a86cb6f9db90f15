package telegram

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"vibephoto/internal/config"
	"vibephoto/internal/domain/ports/adapter"
)

var _ adapter.AdminNotifier = (*AdminBot)(nil)

// messageSender is the subset of *tgbotapi.BotAPI the notifier uses.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// AdminBot delivers operational alerts to the configured admin chats.
type AdminBot struct {
	bot     messageSender
	chatIDs []int64
	log     *zerolog.Logger
}

// NewAdminBot connects to the Bot API with cfg.Token.
func NewAdminBot(cfg config.TelegramConfig, logger *zerolog.Logger) (*AdminBot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	return newAdminBot(bot, cfg.AdminChatIDs, logger), nil
}

func newAdminBot(bot messageSender, chatIDs []int64, logger *zerolog.Logger) *AdminBot {
	l := logger.With().Str("component", "TelegramAdminBot").Logger()
	return &AdminBot{bot: bot, chatIDs: chatIDs, log: &l}
}

// NotifyAdmins sends text to every admin chat and returns the first error.
func (b *AdminBot) NotifyAdmins(ctx context.Context, text string) error {
	var first error
	for _, id := range b.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(id, text)
		msg.DisableWebPagePreview = true
		if _, err := b.bot.Send(msg); err != nil {
			b.log.Warn().Err(err).Int64("chat_id", id).Msg("admin notification failed")
			if first == nil {
				first = fmt.Errorf("telegram chat %d: %w", id, err)
			}
		}
	}
	return first
}
