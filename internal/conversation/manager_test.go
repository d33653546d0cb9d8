package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
)

func intPtr(i int) *int { return &i }

func floatPtr(f float64) *float64 { return &f }

func TestLoadOrCreate_ReusesActiveSession(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage(), zap.NewNop())
	ctx := context.Background()

	first, err := m.LoadOrCreate(ctx, "bot", models.ChannelWhatsApp, "5561999990000")
	require.NoError(t, err)
	second, err := m.LoadOrCreate(ctx, "bot", models.ChannelWhatsApp, "5561999990000")
	require.NoError(t, err)
	other, err := m.LoadOrCreate(ctx, "bot", models.ChannelWeb, "5561999990000")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, models.SessionActive, first.Status)
	assert.Empty(t, first.Messages)
}

func TestLoadOrCreate_ConcurrentCreatesOneSession(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage(), zap.NewNop())
	ctx := context.Background()

	const workers = 32
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.LoadOrCreate(ctx, "bot", models.ChannelWhatsApp, "5561988887777")
			if assert.NoError(t, err) {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := m.Recent(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClose_StartsNewSession(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage(), zap.NewNop())
	ctx := context.Background()

	s, err := m.LoadOrCreate(ctx, "bot", models.ChannelWhatsApp, "addr")
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx, s))

	err = m.Abandon(ctx, s)
	assert.ErrorIs(t, err, storage.ErrConflict)

	next, err := m.LoadOrCreate(ctx, "bot", models.ChannelWhatsApp, "addr")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, next.ID)
}

func TestAppendMessage_KeepsOrderWithoutTruncation(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage(), zap.NewNop())
	ctx := context.Background()

	s, err := m.LoadOrCreate(ctx, "bot", models.ChannelWeb, "visitor")
	require.NoError(t, err)
	for i := 0; i < 15; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		s, err = m.AppendMessage(ctx, s, role, string(rune('a'+i)))
		require.NoError(t, err)
	}

	require.Len(t, s.Messages, 15)
	assert.Equal(t, "a", s.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, s.Messages[1].Role)
	assert.Equal(t, "o", s.Messages[14].Content)

	recent, err := m.Recent(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Len(t, recent[0].Messages, 10)
	assert.Equal(t, "f", recent[0].Messages[0].Content)
}

func TestMergeContext_MergesPreferencesKeyByKey(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage(), zap.NewNop())
	ctx := context.Background()

	s, err := m.LoadOrCreate(ctx, "bot", models.ChannelWhatsApp, "addr")
	require.NoError(t, err)

	s, err = m.MergeContext(ctx, s, models.Context{
		Name:        "Carla",
		Preferences: models.Preferences{City: "Taguatinga", Bedrooms: intPtr(2)},
	})
	require.NoError(t, err)
	s, err = m.MergeContext(ctx, s, models.Context{
		Name:        "Carla Dias",
		Intent:      models.IntentHigh,
		Preferences: models.Preferences{MaxPrice: floatPtr(500000)},
	})
	require.NoError(t, err)

	assert.Equal(t, "Carla Dias", s.Context.Name)
	assert.Equal(t, models.IntentHigh, s.Context.Intent)
	assert.Equal(t, "Taguatinga", s.Context.Preferences.City)
	require.NotNil(t, s.Context.Preferences.Bedrooms)
	assert.Equal(t, 2, *s.Context.Preferences.Bedrooms)
	require.NotNil(t, s.Context.Preferences.MaxPrice)
	assert.Equal(t, 500000.0, *s.Context.Preferences.MaxPrice)
}

func TestAppendMessage_UnknownSession(t *testing.T) {
	m := NewManager(storage.NewMemoryStorage(), zap.NewNop())

	_, err := m.AppendMessage(context.Background(), &models.Session{ID: "missing"}, models.RoleUser, "oi")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
