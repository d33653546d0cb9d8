package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/imob-leadbot/internal/models"
)

func TestMemory_LoadOrCreateSessionTouchesReusedSession(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first, created, err := s.LoadOrCreateSession(ctx, "bot-1", models.ChannelWeb, "visitor-1", start)
	require.NoError(t, err)
	require.True(t, created)

	later := start.Add(30 * time.Minute)
	again, created, err := s.LoadOrCreateSession(ctx, "bot-1", models.ChannelWeb, "visitor-1", later)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, later, again.LastMessageAt)
	assert.Equal(t, start, again.StartedAt)
}

func TestMemory_UpdateLeadLeavesStageAlone(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateLead(ctx, &models.Lead{ID: "l-1", Name: "Ana", CurrentStage: "captado", StageUpdatedAt: at}))

	updated, err := s.UpdateLead(ctx, "l-1", func(lead *models.Lead) error {
		lead.PreferredCity = "Brasília"
		lead.CurrentStage = "perdido"
		lead.StageUpdatedAt = at.Add(time.Hour)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Brasília", updated.PreferredCity)
	assert.Equal(t, "captado", updated.CurrentStage)
	assert.Equal(t, at, updated.StageUpdatedAt)

	_, err = s.UpdateLead(ctx, "missing", func(*models.Lead) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_LeadCopiesDoNotShareValues(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	price, beds := 500000.0, 3
	lead := &models.Lead{ID: "l-1", Name: "Ana", PropertyPrice: &price, PreferredBedrooms: &beds}
	require.NoError(t, s.CreateLead(ctx, lead))

	price, beds = 1, 1
	got, err := s.GetLead(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, 500000.0, *got.PropertyPrice)
	assert.Equal(t, 3, *got.PreferredBedrooms)

	*got.PropertyPrice = 2
	again, err := s.GetLead(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, 500000.0, *again.PropertyPrice)
}

func TestMemory_CreateSessionLeadOncePerSession(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	now := time.Now()
	session, _, err := s.LoadOrCreateSession(ctx, "bot-1", models.ChannelWeb, "visitor-1", now)
	require.NoError(t, err)

	ids := make([]string, 8)
	created := make([]bool, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, ok, err := s.CreateSessionLead(ctx, session.ID, &models.Lead{Name: "Ana"}, now)
			assert.NoError(t, err)
			ids[i], created[i] = id, ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range ids {
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	leads, err := s.ListLeads(ctx)
	require.NoError(t, err)
	assert.Len(t, leads, 1)

	stored, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[0], stored.LeadID)
	assert.True(t, stored.LeadCreated)

	assert.NoError(t, s.LinkSessionLead(ctx, session.ID, ids[0], now))
	assert.ErrorIs(t, s.LinkSessionLead(ctx, session.ID, "other", now), ErrConflict)
}

func TestMemory_UpsertLeadByEmailAndProperty(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lead, ok, err := s.UpsertLeadByEmailAndProperty(ctx, &models.Lead{Name: "Paulo", Email: "paulo@example.com", PropertyID: "p1"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[lead.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	other, ok, err := s.UpsertLeadByEmailAndProperty(ctx, &models.Lead{Name: "Paulo", Email: "paulo@example.com", PropertyID: "p2"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, ids[other.ID])
}
