package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
)

func newSeededEngine(t *testing.T) (*Engine, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	for _, r := range storage.DefaultScoreRules() {
		require.NoError(t, store.SaveScoreRule(ctx, r))
	}
	return NewEngine(store, 2, zap.NewNop()), store
}

func TestEveryConditionHasPredicate(t *testing.T) {
	for _, c := range Conditions() {
		_, ok := predicates[c]
		assert.True(t, ok, "condition %s has no predicate", c)
	}
	assert.Len(t, predicates, len(Conditions()))
}

func TestDefaultRulesUseKnownConditions(t *testing.T) {
	for _, r := range storage.DefaultScoreRules() {
		_, err := ParseCondition(r.Condition)
		assert.NoError(t, err, r.Name)
	}
}

func TestScore_EmptyLeadIsCold(t *testing.T) {
	engine, _ := newSeededEngine(t)

	res, err := engine.Score(context.Background(), &models.Lead{Source: models.SourceSite})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Total)
	assert.Equal(t, models.ClassCold, res.Classification)
	assert.Empty(t, res.Applied)
}

func TestScore_CompleteProfile(t *testing.T) {
	engine, _ := newSeededEngine(t)

	lead := &models.Lead{
		Name:   "Maria Souza",
		Phone:  "5561999990000",
		Email:  "maria@example.com",
		Source: models.SourceSite,
	}
	res, err := engine.Score(context.Background(), lead)
	require.NoError(t, err)

	assert.Equal(t, 30, res.ByCategory[models.CategoryProfile])
	assert.Equal(t, 30, res.Total)
	assert.Equal(t, models.ClassCold, res.Classification)
	require.Len(t, res.Applied, 3)
	assert.Equal(t, "Tem telefone", res.Applied[0].Rule)
	assert.Equal(t, "Tem email", res.Applied[1].Rule)
	assert.Equal(t, "Perfil completo", res.Applied[2].Rule)
}

func TestScore_ChatbotLead(t *testing.T) {
	engine, _ := newSeededEngine(t)

	lead := &models.Lead{
		Name:    "João",
		Phone:   "5561999990000",
		Source:  models.SourceChatbot,
		Message: "Preciso de financiamento, é urgente",
	}
	res, err := engine.Score(context.Background(), lead)
	require.NoError(t, err)

	// Only the first interaction rule fires; the multi-conversation rule needs a count above 3.
	assert.Equal(t, 10, res.ByCategory[models.CategoryEngagement])
	assert.Equal(t, 20, res.ByCategory[models.CategoryIntent])
	assert.Equal(t, 10, res.ByCategory[models.CategoryProfile])
	assert.Equal(t, 40, res.Total)
	assert.Equal(t, models.ClassWarm, res.Classification)
}

func TestScore_DeferredConditionsNeverApply(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	for _, c := range []Condition{ResponseTime, RequestedVisit, InterestedProperties, PerfectMatch, GoodMatch} {
		for _, op := range []models.Operator{models.OpExists, models.OpEquals, models.OpLessThan, models.OpGreaterThan} {
			require.NoError(t, store.SaveScoreRule(ctx, &models.ScoreRule{
				Name: string(c) + string(op), Condition: string(c), Operator: op, Value: "300",
				Points: 10, Category: models.CategoryMatch, Active: true,
			}))
		}
	}
	engine := NewEngine(store, 1, zap.NewNop())

	res, err := engine.Score(ctx, &models.Lead{Name: "x", Phone: "1", Email: "e", PropertyID: "p"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
}

func TestScore_TotalIsClamped(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	for i, points := range []int{40, 40, 40, 30} {
		require.NoError(t, store.SaveScoreRule(ctx, &models.ScoreRule{
			Name: "rule", Condition: string(HasPhone), Operator: models.OpExists,
			Points: points, Category: models.CategoryMatch, Priority: i, Active: true,
		}))
	}
	engine := NewEngine(store, 1, zap.NewNop())

	res, err := engine.Score(ctx, &models.Lead{Phone: "61999990000"})
	require.NoError(t, err)

	assert.Equal(t, 150, res.ByCategory[models.CategoryMatch])
	assert.Equal(t, 100, res.Total)
	assert.Equal(t, models.ClassVeryHot, res.Classification)
}

func TestScore_SkipsInactiveAndUnknownRules(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveScoreRule(ctx, &models.ScoreRule{
		Name: "inactive", Condition: string(HasPhone), Operator: models.OpExists, Points: 10,
		Category: models.CategoryProfile, Active: false,
	}))
	require.NoError(t, store.SaveScoreRule(ctx, &models.ScoreRule{
		Name: "unknown", Condition: "likes_pizza", Operator: models.OpExists, Points: 10,
		Category: models.CategoryProfile, Active: true,
	}))
	engine := NewEngine(store, 1, zap.NewNop())

	res, err := engine.Score(ctx, &models.Lead{Phone: "61999990000"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		total int
		want  models.Classification
	}{
		{0, models.ClassCold},
		{39, models.ClassCold},
		{40, models.ClassWarm},
		{59, models.ClassWarm},
		{60, models.ClassHot},
		{79, models.ClassHot},
		{80, models.ClassVeryHot},
		{100, models.ClassVeryHot},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.total), "total %d", tt.total)
	}
}

func TestRecalculate_HistoryIsCapped(t *testing.T) {
	engine, store := newSeededEngine(t)
	ctx := context.Background()
	require.NoError(t, store.CreateLead(ctx, &models.Lead{ID: "lead-1", Name: "Ana", Phone: "61999990000"}))

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	engine.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	var score *models.LeadScore
	for i := 0; i < models.MaxScoreHistory+1; i++ {
		var err error
		score, err = engine.Recalculate(ctx, "lead-1")
		require.NoError(t, err)
	}

	require.Len(t, score.History, models.MaxScoreHistory)
	assert.Equal(t, base.Add(2*time.Minute), score.History[0].Date)
	assert.Equal(t, base.Add(51*time.Minute), score.History[models.MaxScoreHistory-1].Date)
	assert.Equal(t, 10, score.TotalScore)
	assert.Equal(t, base.Add(51*time.Minute), score.LastCalculatedAt)
}

func TestRecalculate_UnknownLead(t *testing.T) {
	engine, _ := newSeededEngine(t)

	_, err := engine.Recalculate(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecalculateAll(t *testing.T) {
	engine, store := newSeededEngine(t)
	ctx := context.Background()
	require.NoError(t, store.CreateLead(ctx, &models.Lead{ID: "a", Name: "A", Phone: "61999990000"}))
	require.NoError(t, store.CreateLead(ctx, &models.Lead{ID: "b", Name: "B", Email: "b@example.com"}))
	require.NoError(t, store.CreateLead(ctx, &models.Lead{ID: "c", Name: "C"}))

	results, err := engine.RecalculateAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]Summary{}
	for _, r := range results {
		byID[r.LeadID] = r
	}
	assert.Equal(t, 10, byID["a"].Score)
	assert.Equal(t, 5, byID["b"].Score)
	assert.Equal(t, 0, byID["c"].Score)

	stored, err := store.GetScore(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, stored.History, 1)
}
