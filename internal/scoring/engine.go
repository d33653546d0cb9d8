package scoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/imob-leadbot/internal/metrics"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxTotal = 100

// Store is the subset of storage the engine needs.
type Store interface {
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	ListLeads(ctx context.Context) ([]*models.Lead, error)
	ListScoreRules(ctx context.Context) ([]*models.ScoreRule, error)
	UpdateScore(ctx context.Context, leadID string, fn storage.ScoreUpdateFunc) (*models.LeadScore, error)
}

type Result struct {
	Total          int
	ByCategory     map[models.ScoreCategory]int
	Classification models.Classification
	Applied        []models.AppliedRule
}

// Entry converts the result into a history entry stamped at.
func (r Result) Entry(at time.Time) models.ScoreHistoryEntry {
	return models.ScoreHistoryEntry{
		Date:            at,
		TotalScore:      r.Total,
		ProfileScore:    r.ByCategory[models.CategoryProfile],
		EngagementScore: r.ByCategory[models.CategoryEngagement],
		IntentScore:     r.ByCategory[models.CategoryIntent],
		MatchScore:      r.ByCategory[models.CategoryMatch],
		Classification:  r.Classification,
		AppliedRules:    r.Applied,
	}
}

// Summary is the batch recalculation outcome of one lead.
type Summary struct {
	LeadID         string                `json:"leadId"`
	Name           string                `json:"name"`
	Score          int                   `json:"score"`
	Classification models.Classification `json:"classification"`
}

func Classify(total int) models.Classification {
	switch {
	case total >= 80:
		return models.ClassVeryHot
	case total >= 60:
		return models.ClassHot
	case total >= 40:
		return models.ClassWarm
	default:
		return models.ClassCold
	}
}

type compiledRule struct {
	rule      *models.ScoreRule
	condition Condition
}

// evaluate scores lead against rules, which must already be filtered to
// known conditions and sorted by priority.
func evaluate(rules []compiledRule, lead *models.Lead) Result {
	res := Result{
		ByCategory: map[models.ScoreCategory]int{
			models.CategoryProfile:    0,
			models.CategoryEngagement: 0,
			models.CategoryIntent:     0,
			models.CategoryMatch:      0,
		},
		Applied: []models.AppliedRule{},
	}
	sum := 0
	for _, cr := range rules {
		if !applies(cr.condition, cr.rule, lead) {
			continue
		}
		res.ByCategory[cr.rule.Category] += cr.rule.Points
		sum += cr.rule.Points
		res.Applied = append(res.Applied, models.AppliedRule{
			Rule:     cr.rule.Name,
			Points:   cr.rule.Points,
			Category: cr.rule.Category,
		})
	}
	res.Total = min(maxTotal, max(0, sum))
	res.Classification = Classify(res.Total)
	return res
}

type Engine struct {
	store       Store
	logger      *zap.Logger
	concurrency int
	now         func() time.Time
}

func NewEngine(store Store, concurrency int, logger *zap.Logger) *Engine {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		store:       store,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// rules loads active rules in ascending priority, dropping unknown conditions.
func (e *Engine) rules(ctx context.Context) ([]compiledRule, error) {
	all, err := e.store.ListScoreRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading score rules: %w", err)
	}
	compiled := make([]compiledRule, 0, len(all))
	for _, r := range all {
		if !r.Active {
			continue
		}
		c, err := ParseCondition(r.Condition)
		if err != nil {
			e.logger.Warn("Ignoring score rule", zap.String("rule_id", r.ID), zap.Error(err))
			continue
		}
		compiled = append(compiled, compiledRule{rule: r, condition: c})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority < compiled[j].rule.Priority
	})
	return compiled, nil
}

// Score evaluates lead against the active rules without persisting.
func (e *Engine) Score(ctx context.Context, lead *models.Lead) (Result, error) {
	rules, err := e.rules(ctx)
	if err != nil {
		return Result{}, err
	}
	return evaluate(rules, lead), nil
}

// Recalculate scores a lead and upserts its score record.
func (e *Engine) Recalculate(ctx context.Context, leadID string) (*models.LeadScore, error) {
	rules, err := e.rules(ctx)
	if err != nil {
		return nil, err
	}
	return e.recalculate(ctx, rules, leadID)
}

func (e *Engine) recalculate(ctx context.Context, rules []compiledRule, leadID string) (*models.LeadScore, error) {
	lead, err := e.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	res := evaluate(rules, lead)
	score, err := e.store.UpdateScore(ctx, leadID, func(s *models.LeadScore) error {
		s.ApplyEntry(res.Entry(e.now()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error saving score for lead %s: %w", leadID, err)
	}
	metrics.IncScoreCalculation(string(score.Classification))
	e.logger.Info("Lead score calculated",
		zap.String("lead_id", leadID),
		zap.Int("total", score.TotalScore),
		zap.String("classification", string(score.Classification)))
	return score, nil
}

// RecalculateAll rescores every lead. Failures are logged and skipped.
func (e *Engine) RecalculateAll(ctx context.Context) ([]Summary, error) {
	rules, err := e.rules(ctx)
	if err != nil {
		return nil, err
	}
	leads, err := e.store.ListLeads(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing leads: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make([]Summary, 0, len(leads))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, lead := range leads {
		lead := lead
		g.Go(func() error {
			score, err := e.recalculate(gctx, rules, lead.ID)
			if err != nil {
				e.logger.Error("Failed to calculate lead score", zap.String("lead_id", lead.ID), zap.Error(err))
				return nil
			}
			mu.Lock()
			results = append(results, Summary{
				LeadID:         lead.ID,
				Name:           lead.Name,
				Score:          score.TotalScore,
				Classification: score.Classification,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
