package kanban

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/imob-leadbot/internal/metrics"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
)

type Store interface {
	GetStage(ctx context.Context, id string) (*models.LeadStage, error)
	ListStages(ctx context.Context) ([]*models.LeadStage, error)
	ListLeads(ctx context.Context) ([]*models.Lead, error)
	MoveLeadStage(ctx context.Context, leadID string, fn storage.StageMoveFunc) (*models.Lead, *models.LeadHistory, error)
}

// Move is the outcome of MoveLead. History is nil when the lead was
// already in the target stage.
type Move struct {
	Lead    *models.Lead        `json:"lead"`
	History *models.LeadHistory `json:"history,omitempty"`
	Moved   bool                `json:"moved"`
}

// Column is one stage of the board with its leads, most recently moved first.
type Column struct {
	Stage *models.LeadStage `json:"stage"`
	Leads []*models.Lead    `json:"leads"`
}

type Pipeline struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewPipeline(store Store, logger *zap.Logger) *Pipeline {
	return &Pipeline{store: store, logger: logger, now: time.Now}
}

// MoveLead moves a lead into toStageID and records the transition. The read
// of the current stage, the write and the history insert happen atomically
// in the store.
func (p *Pipeline) MoveLead(ctx context.Context, leadID, toStageID string, actor models.Actor, reason, notes string) (*Move, error) {
	if leadID == "" || toStageID == "" {
		return nil, fmt.Errorf("lead and stage are required: %w", models.ErrValidation)
	}
	stage, err := p.store.GetStage(ctx, toStageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("stage %s does not exist: %w", toStageID, models.ErrValidation)
		}
		return nil, fmt.Errorf("error loading stage: %w", err)
	}
	if !stage.Active {
		return nil, fmt.Errorf("stage %s is inactive: %w", toStageID, models.ErrValidation)
	}

	now := p.now()
	lead, entry, err := p.store.MoveLeadStage(ctx, leadID, func(lead *models.Lead) (*models.LeadHistory, error) {
		if lead.CurrentStage == toStageID {
			return nil, nil
		}
		since := lead.StageUpdatedAt
		if since.IsZero() {
			since = lead.CreatedAt
		}
		duration := 0
		if !since.IsZero() {
			duration = int(math.Round(now.Sub(since).Minutes()))
		}
		entry := &models.LeadHistory{
			ID:            uuid.NewString(),
			LeadID:        lead.ID,
			FromStage:     lead.CurrentStage,
			ToStage:       toStageID,
			ChangedBy:     actor.ID,
			ChangedByName: actor.DisplayName(),
			Reason:        reason,
			Notes:         notes,
			DurationMins:  duration,
			CreatedAt:     now,
		}
		lead.CurrentStage = toStageID
		lead.StageUpdatedAt = now
		lead.UpdatedAt = now
		return entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("error moving lead %s: %w", leadID, err)
	}
	if entry == nil {
		return &Move{Lead: lead}, nil
	}

	metrics.IncStageMove(toStageID)
	p.logger.Info("Lead moved",
		zap.String("lead_id", leadID),
		zap.String("from_stage", entry.FromStage),
		zap.String("to_stage", toStageID),
		zap.String("changed_by", entry.ChangedByName),
		zap.Int("duration_mins", entry.DurationMins))
	for _, action := range stage.AutoActions {
		p.logger.Info("Stage auto action not executed",
			zap.String("lead_id", leadID),
			zap.String("stage", toStageID),
			zap.String("action", action.Type))
	}
	return &Move{Lead: lead, History: entry, Moved: true}, nil
}

func (p *Pipeline) activeStages(ctx context.Context) ([]*models.LeadStage, error) {
	stages, err := p.store.ListStages(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing stages: %w", err)
	}
	active := stages[:0]
	for _, s := range stages {
		if s.Active {
			active = append(active, s)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Order < active[j].Order })
	return active, nil
}

// InitialStage returns the lowest-order active stage.
func (p *Pipeline) InitialStage(ctx context.Context) (*models.LeadStage, error) {
	stages, err := p.activeStages(ctx)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("no active stage: %w", storage.ErrNotFound)
	}
	return stages[0], nil
}

// Board groups leads under the active stages. Leads sitting in an inactive
// or unknown stage are left out.
func (p *Pipeline) Board(ctx context.Context) ([]Column, error) {
	stages, err := p.activeStages(ctx)
	if err != nil {
		return nil, err
	}
	leads, err := p.store.ListLeads(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing leads: %w", err)
	}

	columns := make([]Column, len(stages))
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		columns[i] = Column{Stage: s, Leads: []*models.Lead{}}
		index[s.ID] = i
	}
	for _, lead := range leads {
		if i, ok := index[lead.CurrentStage]; ok {
			columns[i].Leads = append(columns[i].Leads, lead)
		}
	}
	for _, c := range columns {
		sort.SliceStable(c.Leads, func(i, j int) bool {
			return c.Leads[i].StageUpdatedAt.After(c.Leads[j].StageUpdatedAt)
		})
	}
	return columns, nil
}
