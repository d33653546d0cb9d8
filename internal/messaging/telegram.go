package messaging

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramAPI is the part of the bot client used to send messages.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers replies to a Telegram chat. The address is the
// numeric chat id.
type TelegramSender struct {
	api TelegramAPI
}

func NewTelegramSender(api TelegramAPI) *TelegramSender {
	return &TelegramSender{api: api}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, to, text string) (*SendResult, error) {
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q: %w", to, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := t.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &SendResult{Provider: t.Name(), MessageID: strconv.Itoa(msg.MessageID)}, nil
}
