package bot

import (
	"context"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/imob-leadbot/internal/models"
	"go.uber.org/zap"
)

// TelegramAPI is the subset of *tgbotapi.BotAPI the poller uses.
type TelegramAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// InboundHandler runs a conversation turn.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in Inbound) (*Outcome, error)
}

// TelegramPoller long-polls Telegram and feeds each text message into the
// turn pipeline. Replies are delivered by the pipeline itself.
type TelegramPoller struct {
	api     TelegramAPI
	handler InboundHandler
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewTelegramPoller(api TelegramAPI, handler InboundHandler, logger *zap.Logger) *TelegramPoller {
	return &TelegramPoller{api: api, handler: handler, logger: logger}
}

// Start blocks until ctx is done or the update channel closes, then waits
// for in-flight messages.
func (p *TelegramPoller) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := p.api.GetUpdatesChan(u)
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			p.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			p.wg.Add(1)
			go func(msg *tgbotapi.Message) {
				defer p.wg.Done()
				p.handleMessage(ctx, msg)
			}(update.Message)
		}
	}
}

func (p *TelegramPoller) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		p.handleCommand(message)
		return
	}

	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}
	if content == "" {
		return
	}

	_, err := p.handler.HandleInbound(ctx, Inbound{
		Channel:   models.ChannelTelegram,
		Address:   strconv.FormatInt(message.Chat.ID, 10),
		Text:      content,
		MessageID: strconv.Itoa(message.MessageID),
	})
	if err != nil {
		p.logger.Error("Failed to handle telegram message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		p.sendMessage(message.Chat.ID, ApologyReply)
	}
}

func (p *TelegramPoller) handleCommand(message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		p.sendMessage(message.Chat.ID, `Olá! 👋 Sou o assistente virtual da imobiliária.
Me conte o que você procura: tipo de imóvel, cidade, número de quartos e faixa de preço.`)
	case "help":
		p.sendMessage(message.Chat.ID, `Comandos disponíveis:
/start - Iniciar a conversa
/help - Mostrar esta ajuda

Ou simplesmente escreva o que procura!`)
	default:
		p.sendMessage(message.Chat.ID, "Comando desconhecido. Use /help para ver os comandos disponíveis.")
	}
}

func (p *TelegramPoller) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := p.api.Send(msg); err != nil {
		p.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
