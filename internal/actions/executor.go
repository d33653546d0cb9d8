package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/imob-leadbot/internal/metrics"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
)

// maxLeadMessages bounds how many user messages are copied into a new
// lead's message field.
const maxLeadMessages = 10

type Store interface {
	GetProperty(ctx context.Context, id string) (*models.Property, error)
	UpdateLead(ctx context.Context, id string, fn storage.LeadUpdateFunc) (*models.Lead, error)
	CreateSessionLead(ctx context.Context, sessionID string, lead *models.Lead, at time.Time) (string, bool, error)
	IncrementBotCounters(ctx context.Context, botID string, conversations, leads int) error
}

type StageResolver interface {
	InitialStage(ctx context.Context) (*models.LeadStage, error)
}

type Scorer interface {
	Recalculate(ctx context.Context, leadID string) (*models.LeadScore, error)
}

// Result reports what a batch of actions did. Errors holds one entry per
// failed action; a failure never stops the remaining actions.
type Result struct {
	LeadID  string
	Created bool
	Applied []models.ActionKind
	Skipped []models.ActionKind
	Errors  []error
}

type Executor struct {
	store  Store
	stages StageResolver
	scorer Scorer
	logger *zap.Logger
	now    func() time.Time
}

func NewExecutor(store Store, stages StageResolver, scorer Scorer, logger *zap.Logger) *Executor {
	return &Executor{store: store, stages: stages, scorer: scorer, logger: logger, now: time.Now}
}

// Execute applies actions for session. patch is the context extracted in
// the same turn and fills gaps in the lead drafts.
func (e *Executor) Execute(ctx context.Context, bot *models.Bot, session *models.Session, actions []models.Action, patch models.Context) *Result {
	res := &Result{LeadID: session.LeadID}
	merged := session.Context.Merge(patch)

	for _, a := range actions {
		var (
			applied bool
			err     error
		)
		switch a.Kind {
		case models.ActionCreateLead:
			applied, err = e.createLead(ctx, bot, session, a.Lead, merged, res)
		case models.ActionUpdateLeadPreferences:
			prefs := merged.Preferences
			if a.Preferences != nil {
				prefs = *a.Preferences
			}
			applied, err = e.updatePreferences(ctx, res.LeadID, prefs)
		case models.ActionAssignBroker:
			applied, err = e.assignBroker(ctx, bot, res.LeadID, a.BrokerID)
		default:
			e.logger.Debug("Ignoring action", zap.String("session_id", session.ID), zap.String("requested", a.Requested))
		}

		switch {
		case err != nil:
			metrics.IncAction(string(a.Kind), "failed")
			e.logger.Error("Failed to execute action",
				zap.String("session_id", session.ID),
				zap.String("action", string(a.Kind)),
				zap.Error(err))
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", a.Kind, err))
		case applied:
			metrics.IncAction(string(a.Kind), "applied")
			res.Applied = append(res.Applied, a.Kind)
		default:
			metrics.IncAction(string(a.Kind), "skipped")
			res.Skipped = append(res.Skipped, a.Kind)
		}
	}
	return res
}

func (e *Executor) createLead(ctx context.Context, bot *models.Bot, session *models.Session, draft *models.LeadDraft, merged models.Context, res *Result) (bool, error) {
	if !bot.AutoCreateLead || res.LeadID != "" {
		return false, nil
	}
	var d models.LeadDraft
	if draft != nil {
		d = *draft
	}
	if d.Name == "" {
		d.Name = merged.Name
	}
	if d.Email == "" {
		d.Email = merged.Email
	}
	if d.Phone == "" {
		d.Phone = merged.Phone
	}
	if d.Phone == "" && session.Channel == models.ChannelWhatsApp {
		d.Phone = session.ChannelAddress
	}
	if d.Name == "" {
		d.Name = "Cliente Chatbot"
	}
	prefs := merged.Preferences.Merge(d.Preferences)

	stage, err := e.stages.InitialStage(ctx)
	if err != nil {
		return false, fmt.Errorf("error resolving initial stage: %w", err)
	}

	now := e.now()
	lead := &models.Lead{
		ID:             uuid.NewString(),
		Name:           d.Name,
		Email:          d.Email,
		Phone:          d.Phone,
		Message:        userTranscript(session),
		PropertyID:     merged.InterestedPropertyID,
		Source:         bot.SourceTag(),
		Status:         models.LeadStatusNew,
		CurrentStage:   stage.ID,
		StageUpdatedAt: now,
		EnableMatching: !prefs.IsEmpty(),
		SessionID:      session.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	lead.ApplyPreferences(prefs)
	if lead.PropertyID != "" {
		e.snapshotProperty(ctx, lead)
	}
	if bot.AutoAssignBroker {
		lead.BrokerID = bot.DefaultBrokerID
	}

	// The session row decides the winner when turns race on one session.
	leadID, created, err := e.store.CreateSessionLead(ctx, session.ID, lead, now)
	if err != nil {
		return false, fmt.Errorf("error creating lead: %w", err)
	}
	res.LeadID = leadID
	session.LeadID = leadID
	session.LeadCreated = true
	if !created {
		e.logger.Debug("Session already has a lead",
			zap.String("session_id", session.ID),
			zap.String("lead_id", leadID))
		return false, nil
	}
	res.Created = true
	metrics.IncLeadCreated(lead.Source)
	e.logger.Info("Lead created from conversation",
		zap.String("lead_id", lead.ID),
		zap.String("session_id", session.ID),
		zap.String("bot_id", bot.ID))

	if err := e.store.IncrementBotCounters(ctx, bot.ID, 0, 1); err != nil {
		e.logger.Warn("Failed to increment bot lead counter", zap.String("bot_id", bot.ID), zap.Error(err))
	}
	if _, err := e.scorer.Recalculate(ctx, lead.ID); err != nil {
		e.logger.Warn("Failed to score new lead", zap.String("lead_id", lead.ID), zap.Error(err))
	}
	return true, nil
}

// snapshotProperty copies the property the lead asked about. An unknown id
// is dropped rather than failing the lead.
func (e *Executor) snapshotProperty(ctx context.Context, lead *models.Lead) {
	p, err := e.store.GetProperty(ctx, lead.PropertyID)
	if err != nil {
		e.logger.Warn("Failed to load interested property",
			zap.String("property_id", lead.PropertyID),
			zap.Error(err))
		lead.PropertyID = ""
		return
	}
	price := p.Price
	lead.PropertyTitle = p.Title
	lead.PropertyPrice = &price
	lead.PropertyType = p.Type
}

func (e *Executor) updatePreferences(ctx context.Context, leadID string, prefs models.Preferences) (bool, error) {
	if leadID == "" || prefs.IsEmpty() {
		return false, nil
	}
	_, err := e.store.UpdateLead(ctx, leadID, func(lead *models.Lead) error {
		lead.ApplyPreferences(prefs)
		lead.EnableMatching = true
		lead.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("error updating lead preferences: %w", err)
	}
	return true, nil
}

func (e *Executor) assignBroker(ctx context.Context, bot *models.Bot, leadID, brokerID string) (bool, error) {
	if !bot.AutoAssignBroker || leadID == "" {
		return false, nil
	}
	if brokerID == "" {
		brokerID = bot.DefaultBrokerID
	}
	if brokerID == "" {
		return false, nil
	}
	_, err := e.store.UpdateLead(ctx, leadID, func(lead *models.Lead) error {
		lead.BrokerID = brokerID
		lead.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("error assigning broker: %w", err)
	}
	return true, nil
}

func userTranscript(session *models.Session) string {
	var lines []string
	for _, m := range session.Messages {
		if m.Role == models.RoleUser {
			lines = append(lines, m.Content)
		}
	}
	if len(lines) > maxLeadMessages {
		lines = lines[len(lines)-maxLeadMessages:]
	}
	return strings.Join(lines, "\n")
}
