package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/imob-leadbot/internal/actions"
	"github.com/xaenox/imob-leadbot/internal/conversation"
	"github.com/xaenox/imob-leadbot/internal/dedupe"
	"github.com/xaenox/imob-leadbot/internal/dialogue"
	"github.com/xaenox/imob-leadbot/internal/messaging"
	"github.com/xaenox/imob-leadbot/internal/metrics"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
)

const defaultTurnTimeout = 60 * time.Second

// ApologyReply is sent on chat channels when a turn fails.
const ApologyReply = "Desculpe, estou com dificuldades no momento. Tente novamente em instantes."

type TurnProcessor interface {
	ProcessTurn(ctx context.Context, bot *models.Bot, session *models.Session, inbound string) (*dialogue.Turn, error)
}

type ActionExecutor interface {
	Execute(ctx context.Context, bot *models.Bot, session *models.Session, actions []models.Action, patch models.Context) *actions.Result
}

// Deliverer sends a reply on a channel.
type Deliverer interface {
	Send(ctx context.Context, to, text string) (*messaging.SendResult, error)
}

type Store interface {
	ListBots(ctx context.Context) ([]*models.Bot, error)
	IncrementBotCounters(ctx context.Context, botID string, conversations, leads int) error
	SaveTurnStat(ctx context.Context, stat *models.TurnStat) error
}

// Inbound is one message received on a channel.
type Inbound struct {
	Channel models.Channel
	Address string
	Text    string
	// MessageID is the transport delivery id used to drop retries.
	MessageID string
}

type Outcome struct {
	Reply        string   `json:"reply"`
	SessionID    string   `json:"sessionId,omitempty"`
	LeadID       string   `json:"leadId,omitempty"`
	LeadCreated  bool     `json:"leadCreated"`
	ActionErrors []string `json:"actionErrors,omitempty"`
	Delivered    bool     `json:"delivered"`
	Duplicate    bool     `json:"duplicate,omitempty"`
}

type Service struct {
	store         Store
	conversations *conversation.Manager
	dialogue      TurnProcessor
	executor      ActionExecutor
	deduper       dedupe.Deduper
	deliverers    map[models.Channel]Deliverer
	turnTimeout   time.Duration
	logger        *zap.Logger
}

type Option func(*Service)

func WithDeduper(d dedupe.Deduper) Option {
	return func(s *Service) { s.deduper = d }
}

// WithDeliverer registers how replies leave on ch. Channels without one
// only return the reply to the caller.
func WithDeliverer(ch models.Channel, d Deliverer) Option {
	return func(s *Service) { s.deliverers[ch] = d }
}

func WithTurnTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

func NewService(store Store, conversations *conversation.Manager, dlg TurnProcessor, executor ActionExecutor, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:         store,
		conversations: conversations,
		dialogue:      dlg,
		executor:      executor,
		deliverers:    make(map[models.Channel]Deliverer),
		turnTimeout:   defaultTurnTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleInbound runs one conversation turn end to end. An error means the
// turn did not complete and the transport may retry the delivery.
func (s *Service) HandleInbound(ctx context.Context, in Inbound) (out *Outcome, err error) {
	started := time.Now()
	in.Text = strings.TrimSpace(in.Text)
	in.Address = strings.TrimSpace(in.Address)
	if in.Text == "" || in.Address == "" {
		return nil, fmt.Errorf("message and sender are required: %w", models.ErrValidation)
	}

	defer func() {
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case out != nil && out.Duplicate:
			result = "duplicate"
		}
		metrics.ObserveTurn(string(in.Channel), result, time.Since(started).Seconds())
	}()

	if key := s.dedupeKey(in); key != "" {
		first, claimErr := s.deduper.Claim(ctx, key)
		switch {
		case claimErr != nil:
			s.logger.Warn("Failed to check inbound delivery", zap.String("message_id", in.MessageID), zap.Error(claimErr))
		case !first:
			metrics.IncDuplicateInbound(string(in.Channel))
			s.logger.Info("Dropping duplicate delivery", zap.String("message_id", in.MessageID))
			return &Outcome{Duplicate: true}, nil
		default:
			defer func() {
				if err == nil {
					return
				}
				if relErr := s.deduper.Release(context.WithoutCancel(ctx), key); relErr != nil {
					s.logger.Warn("Failed to release inbound delivery", zap.String("message_id", in.MessageID), zap.Error(relErr))
				}
			}()
		}
	}

	bot, err := s.resolveBot(ctx, in.Channel)
	if err != nil {
		return nil, err
	}

	prior, err := s.conversations.LoadOrCreate(ctx, bot.ID, in.Channel, in.Address)
	if err != nil {
		return nil, err
	}
	newConversation := len(prior.Messages) == 0

	session, err := s.conversations.AppendMessage(ctx, prior, models.RoleUser, in.Text)
	if err != nil {
		return nil, err
	}

	turnCtx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	turn, err := s.dialogue.ProcessTurn(turnCtx, bot, prior, in.Text)
	cancel()
	if err != nil {
		s.logger.Error("Failed to process turn",
			zap.String("session_id", session.ID),
			zap.String("bot_id", bot.ID),
			zap.Error(err))
		return nil, fmt.Errorf("error processing turn: %w", err)
	}

	session, err = s.conversations.MergeContext(ctx, session, turn.ContextPatch)
	if err != nil {
		return nil, err
	}

	res := s.executor.Execute(ctx, bot, session, turn.Actions, turn.ContextPatch)

	if _, err := s.conversations.AppendMessage(ctx, session, models.RoleAssistant, turn.Reply); err != nil {
		return nil, err
	}

	out = &Outcome{
		Reply:       turn.Reply,
		SessionID:   session.ID,
		LeadID:      res.LeadID,
		LeadCreated: res.Created,
	}
	for _, e := range res.Errors {
		out.ActionErrors = append(out.ActionErrors, e.Error())
	}

	s.recordStats(ctx, bot, session, turn, res, newConversation)
	out.Delivered = s.deliver(ctx, in, turn.Reply)
	return out, nil
}

// dedupeKey scopes message ids to the sender. Telegram ids are only
// unique within a chat.
func (s *Service) dedupeKey(in Inbound) string {
	if s.deduper == nil || in.MessageID == "" {
		return ""
	}
	return string(in.Channel) + ":" + in.Address + ":" + in.MessageID
}

// resolveBot picks the oldest active bot serving ch.
func (s *Service) resolveBot(ctx context.Context, ch models.Channel) (*models.Bot, error) {
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing bots: %w", err)
	}
	for _, b := range bots {
		if b.Active && b.Serves(ch) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("no active bot for channel %s: %w", ch, storage.ErrNotFound)
}

func (s *Service) recordStats(ctx context.Context, bot *models.Bot, session *models.Session, turn *dialogue.Turn, res *actions.Result, newConversation bool) {
	stat := &models.TurnStat{
		SessionID:    session.ID,
		BotID:        bot.ID,
		InputTokens:  turn.Usage.InputTokens,
		OutputTokens: turn.Usage.OutputTokens,
		CostUSD:      turn.CostUSD,
		LeadCaptured: res.Created,
		CreatedAt:    time.Now(),
	}
	if err := s.store.SaveTurnStat(ctx, stat); err != nil {
		s.logger.Warn("Failed to save turn stat", zap.String("session_id", session.ID), zap.Error(err))
	}
	if !newConversation {
		return
	}
	if err := s.store.IncrementBotCounters(ctx, bot.ID, 1, 0); err != nil {
		s.logger.Warn("Failed to increment conversation counter", zap.String("bot_id", bot.ID), zap.Error(err))
	}
}

func (s *Service) deliver(ctx context.Context, in Inbound, reply string) bool {
	d, ok := s.deliverers[in.Channel]
	if !ok {
		return false
	}
	if _, err := d.Send(ctx, in.Address, reply); err != nil {
		level := s.logger.Error
		if errors.Is(err, messaging.ErrInvalidPhone) {
			level = s.logger.Warn
		}
		level("Failed to deliver reply",
			zap.String("channel", string(in.Channel)),
			zap.String("address", in.Address),
			zap.Error(err))
		return false
	}
	return true
}
