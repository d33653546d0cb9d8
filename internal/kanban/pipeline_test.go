package kanban

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

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T) (*Pipeline, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	for _, s := range storage.DefaultStages() {
		require.NoError(t, store.SaveStage(ctx, s))
	}
	require.NoError(t, store.SaveStage(ctx, &models.LeadStage{ID: "arquivado", Name: "Arquivado", Order: 0, Type: models.StageLost, Active: false}))
	p := NewPipeline(store, zap.NewNop())
	p.now = func() time.Time { return t0 }
	return p, store
}

func addLead(t *testing.T, store *storage.MemoryStorage, id, stage string, stageAt time.Time) {
	t.Helper()
	require.NoError(t, store.CreateLead(context.Background(), &models.Lead{
		ID: id, Name: "Lead " + id, CurrentStage: stage, StageUpdatedAt: stageAt, CreatedAt: stageAt,
	}))
}

func TestMoveLead_RecordsHistoryWithDuration(t *testing.T) {
	p, store := newPipeline(t)
	addLead(t, store, "l1", "captado", t0.Add(-90*time.Minute-31*time.Second))

	move, err := p.MoveLead(context.Background(), "l1", "visita_marcada", models.Actor{}, "cliente pediu visita", "")
	require.NoError(t, err)

	require.True(t, move.Moved)
	assert.Equal(t, "visita_marcada", move.Lead.CurrentStage)
	assert.Equal(t, t0, move.Lead.StageUpdatedAt)
	require.NotNil(t, move.History)
	assert.Equal(t, "captado", move.History.FromStage)
	assert.Equal(t, "visita_marcada", move.History.ToStage)
	assert.Equal(t, 91, move.History.DurationMins)
	assert.Equal(t, models.SystemActorName, move.History.ChangedByName)

	history, err := store.ListLeadHistory(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, move.History.ID, history[0].ID)
}

func TestMoveLead_SameStageIsNoOp(t *testing.T) {
	p, store := newPipeline(t)
	addLead(t, store, "l1", "captado", t0.Add(-time.Hour))

	move, err := p.MoveLead(context.Background(), "l1", "captado", models.Actor{ID: "u1", Name: "Rita"}, "", "")
	require.NoError(t, err)

	assert.False(t, move.Moved)
	assert.Nil(t, move.History)
	assert.Equal(t, t0.Add(-time.Hour), move.Lead.StageUpdatedAt)

	history, err := store.ListLeadHistory(context.Background(), "l1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMoveLead_Validation(t *testing.T) {
	p, store := newPipeline(t)
	addLead(t, store, "l1", "captado", t0)

	_, err := p.MoveLead(context.Background(), "l1", "inexistente", models.Actor{}, "", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = p.MoveLead(context.Background(), "l1", "arquivado", models.Actor{}, "", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = p.MoveLead(context.Background(), "missing", "perdido", models.Actor{}, "", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMoveLead_ActorName(t *testing.T) {
	p, store := newPipeline(t)
	addLead(t, store, "l1", "captado", t0)

	move, err := p.MoveLead(context.Background(), "l1", "perdido", models.Actor{ID: "u1", Name: "Rita"}, "sem retorno", "ligar em 3 meses")
	require.NoError(t, err)
	assert.Equal(t, "u1", move.History.ChangedBy)
	assert.Equal(t, "Rita", move.History.ChangedByName)
	assert.Equal(t, "ligar em 3 meses", move.History.Notes)
	assert.Equal(t, 0, move.History.DurationMins)
}

func TestInitialStage_SkipsInactive(t *testing.T) {
	p, _ := newPipeline(t)

	stage, err := p.InitialStage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "captado", stage.ID)
}

func TestInitialStage_NoStages(t *testing.T) {
	p := NewPipeline(storage.NewMemoryStorage(), zap.NewNop())

	_, err := p.InitialStage(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBoard(t *testing.T) {
	p, store := newPipeline(t)
	addLead(t, store, "old", "captado", t0.Add(-2*time.Hour))
	addLead(t, store, "new", "captado", t0.Add(-time.Hour))
	addLead(t, store, "won", "fechado_ganho", t0)
	addLead(t, store, "hidden", "arquivado", t0)

	board, err := p.Board(context.Background())
	require.NoError(t, err)
	require.Len(t, board, len(storage.DefaultStages()))

	assert.Equal(t, "captado", board[0].Stage.ID)
	require.Len(t, board[0].Leads, 2)
	assert.Equal(t, "new", board[0].Leads[0].ID)
	assert.Equal(t, "old", board[0].Leads[1].ID)

	total := 0
	for _, c := range board {
		total += len(c.Leads)
		if c.Stage.ID == "fechado_ganho" {
			require.Len(t, c.Leads, 1)
		}
	}
	assert.Equal(t, 3, total)
}
