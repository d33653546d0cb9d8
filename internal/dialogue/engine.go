package dialogue

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xaenox/imob-leadbot/internal/metrics"
	"github.com/xaenox/imob-leadbot/internal/models"
	"go.uber.org/zap"
)

// FallbackReply is sent when the completion carries no text.
const FallbackReply = "Desculpe, não consegui processar sua mensagem."

// minHistoryForPhoneLead is the number of prior messages a session needs
// before a bare phone number can create a lead.
const minHistoryForPhoneLead = 2

type Inventory interface {
	ListAvailableProperties(ctx context.Context, filter models.PropertyFilter) ([]*models.Property, error)
}

type Config struct {
	InventoryLimit int
	MaxTokens      int
	Temperature    float32
	SiteURL        string
	Cost           CostModel
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Turn is the outcome of one dialogue turn. The engine never writes to the
// store; callers apply ContextPatch and Actions.
type Turn struct {
	Reply        string
	ContextPatch models.Context
	Actions      []models.Action
	Usage        Usage
	CostUSD      decimal.Decimal
	Provider     string
	// Structured is false when the reply was not a JSON envelope.
	Structured bool
}

type Engine struct {
	completers *Registry
	inventory  Inventory
	cfg        Config
	logger     *zap.Logger
}

func NewEngine(completers *Registry, inventory Inventory, cfg Config, logger *zap.Logger) *Engine {
	if cfg.InventoryLimit <= 0 {
		cfg.InventoryLimit = 50
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Cost.InputPerMillion.IsZero() && cfg.Cost.OutputPerMillion.IsZero() {
		cfg.Cost = DefaultCostModel()
	}
	return &Engine{completers: completers, inventory: inventory, cfg: cfg, logger: logger}
}

// ProcessTurn runs one turn. session carries the history before inbound.
func (e *Engine) ProcessTurn(ctx context.Context, bot *models.Bot, session *models.Session, inbound string) (*Turn, error) {
	completer, provider, ok := e.completers.For(bot.AIProvider)
	if !ok {
		return nil, fmt.Errorf("%w: no backend for provider %q", ErrCompletion, bot.AIProvider)
	}

	inventory, err := e.inventory.ListAvailableProperties(ctx, models.PropertyFilter{Limit: e.cfg.InventoryLimit})
	if err != nil {
		return nil, fmt.Errorf("error loading inventory: %w", err)
	}

	history := make([]models.Message, 0, len(session.Messages)+1)
	history = append(history, session.Messages...)
	history = append(history, models.Message{Role: models.RoleUser, Content: inbound})

	resp, err := completer.Complete(ctx, Request{
		Model:        bot.AIModel,
		SystemPrompt: buildSystemPrompt(bot, session, inventory, e.cfg.SiteURL),
		Messages:     history,
		MaxTokens:    e.cfg.MaxTokens,
		Temperature:  e.cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}

	turn := &Turn{
		Usage:    Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens},
		CostUSD:  e.cfg.Cost.Estimate(resp.InputTokens, resp.OutputTokens),
		Provider: provider,
	}
	costUSD, _ := turn.CostUSD.Float64()
	metrics.AddCompletionUsage(provider, resp.InputTokens, resp.OutputTokens, costUSD)

	if env, ok := parseEnvelope(resp.Text); ok {
		e.applyEnvelope(turn, env, session)
	} else {
		turn.Reply = strings.TrimSpace(resp.Text)
		turn.ContextPatch.Preferences = extractPreferences(inbound, cities(inventory))
		if !turn.ContextPatch.Preferences.IsEmpty() && session.HasLead() {
			turn.Actions = append(turn.Actions, models.UpdateLeadPreferences(turn.ContextPatch.Preferences))
		}
	}
	if turn.Reply == "" {
		turn.Reply = FallbackReply
	}

	e.applyPhoneHeuristic(turn, session, inbound)

	e.logger.Debug("Dialogue turn processed",
		zap.String("session_id", session.ID),
		zap.String("provider", provider),
		zap.Bool("structured", turn.Structured),
		zap.Int("actions", len(turn.Actions)),
		zap.Int("input_tokens", resp.InputTokens),
		zap.Int("output_tokens", resp.OutputTokens))
	return turn, nil
}

func (e *Engine) applyEnvelope(turn *Turn, env *envelope, session *models.Session) {
	turn.Structured = true
	turn.Reply = strings.TrimSpace(env.Message)
	turn.ContextPatch = env.Context.toContext()

	merged := session.Context.Merge(turn.ContextPatch)
	draft := models.LeadDraft{
		Name:        merged.Name,
		Email:       merged.Email,
		Phone:       merged.Phone,
		Preferences: merged.Preferences,
	}

	createQueued := false
	queueCreate := func() {
		if createQueued || session.HasLead() {
			return
		}
		createQueued = true
		turn.Actions = append(turn.Actions, models.CreateLead(draft))
	}
	if env.ShouldCreateLead {
		queueCreate()
	}

	prefsQueued := false
	for _, a := range env.Actions {
		switch models.ActionKind(strings.ToLower(strings.TrimSpace(a.Type))) {
		case models.ActionCreateLead:
			queueCreate()
		case models.ActionUpdateLeadPreferences:
			if !prefsQueued {
				prefsQueued = true
				turn.Actions = append(turn.Actions, models.UpdateLeadPreferences(turn.ContextPatch.Preferences))
			}
		case models.ActionAssignBroker:
			turn.Actions = append(turn.Actions, models.AssignBroker(a.Data.BrokerID))
		default:
			turn.Actions = append(turn.Actions, models.NoOp(a.Type))
		}
	}
	if !prefsQueued && session.HasLead() && !turn.ContextPatch.Preferences.IsEmpty() {
		turn.Actions = append(turn.Actions, models.UpdateLeadPreferences(turn.ContextPatch.Preferences))
	}
}

// applyPhoneHeuristic turns a phone number typed deep enough into a
// conversation into a lead, unless one is already requested or linked.
func (e *Engine) applyPhoneHeuristic(turn *Turn, session *models.Session, inbound string) {
	phone := findPhone(inbound)
	if phone == "" {
		return
	}
	if turn.ContextPatch.Phone == "" {
		turn.ContextPatch.Phone = phone
	}
	if len(session.Messages) <= minHistoryForPhoneLead || session.HasLead() {
		return
	}
	for _, a := range turn.Actions {
		if a.Kind == models.ActionCreateLead {
			return
		}
	}
	merged := session.Context.Merge(turn.ContextPatch)
	turn.Actions = append(turn.Actions, models.CreateLead(models.LeadDraft{
		Name:        guessName(inbound),
		Email:       merged.Email,
		Phone:       phone,
		Preferences: merged.Preferences,
	}))
	e.logger.Info("Phone number captured from message", zap.String("session_id", session.ID))
}

func cities(inventory []*models.Property) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range inventory {
		if _, ok := seen[p.City]; ok || p.City == "" {
			continue
		}
		seen[p.City] = struct{}{}
		out = append(out, p.City)
	}
	return out
}
