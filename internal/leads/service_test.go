package leads

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/imob-leadbot/internal/kanban"
	"github.com/xaenox/imob-leadbot/internal/messaging"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/scoring"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu   sync.Mutex
	to   []string
	text []string
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, to, text string) (*messaging.SendResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.to = append(n.to, to)
	n.text = append(n.text, text)
	if n.err != nil {
		return nil, n.err
	}
	return &messaging.SendResult{Provider: "test", MessageID: "m1"}, nil
}

type fixture struct {
	store    *storage.MemoryStorage
	notifier *recordingNotifier
	service  *Service
}

func intPtr(v int) *int { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage()
	require.NoError(t, storage.Seed(ctx, store, storage.SeedOptions{AIProvider: "openai"}, logger))

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	props := []*models.Property{
		{ID: "p1", Title: "Apartamento Águas Claras", Slug: "apto-aguas-claras", Type: "venda", Category: "apartamento", Price: 500000, Bedrooms: intPtr(3), City: "Brasília", State: "DF", Status: models.PropertyAvailable, CreatedAt: base},
		{ID: "p2", Title: "Apartamento Asa Norte", Slug: "apto-asa-norte", Type: "venda", Category: "apartamento", Price: 550000, City: "Brasília", State: "DF", Status: models.PropertyAvailable, CreatedAt: base.Add(time.Hour)},
		{ID: "p3", Title: "Apartamento Sudoeste", Slug: "apto-sudoeste", Type: "venda", Category: "apartamento", Price: 420000, City: "Brasília", State: "DF", Status: models.PropertyAvailable, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "p4", Title: "Cobertura Lago Sul", Slug: "cobertura-lago-sul", Type: "venda", Category: "apartamento", Price: 2000000, City: "Brasília", State: "DF", Status: models.PropertyAvailable, CreatedAt: base.Add(3 * time.Hour)},
		{ID: "p5", Title: "Casa Taguatinga", Slug: "casa-taguatinga", Type: "venda", Category: "casa", Price: 480000, City: "Taguatinga", State: "DF", Status: models.PropertyAvailable, CreatedAt: base.Add(4 * time.Hour)},
		{ID: "p6", Title: "Apartamento vendido", Slug: "apto-vendido", Type: "venda", Category: "apartamento", Price: 510000, City: "Brasília", State: "DF", Status: "vendido", CreatedAt: base.Add(5 * time.Hour)},
	}
	for _, p := range props {
		require.NoError(t, store.SaveProperty(ctx, p))
	}

	notifier := &recordingNotifier{}
	service := NewService(store,
		kanban.NewPipeline(store, logger),
		scoring.NewEngine(store, 2, logger),
		notifier,
		Config{AdminPhone: "5561900000000", SiteURL: "https://imob.example/", BrandName: "Imobiliária Exemplo"},
		logger)
	return &fixture{store: store, notifier: notifier, service: service}
}

func TestCreateFromContactForm_DerivesPreferencesFromProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lead, err := f.service.CreateFromContactForm(ctx, ContactForm{
		Name:       "  Ana Souza ",
		Email:      "ana@example.com",
		Phone:      "61999990000",
		Message:    "Tenho interesse, aceita financiamento?",
		PropertyID: "p1",
	})
	require.NoError(t, err)

	stored, err := f.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Souza", stored.Name)
	assert.Equal(t, models.SourceSite, stored.Source)
	assert.Equal(t, models.LeadStatusNew, stored.Status)
	assert.Equal(t, "captado", stored.CurrentStage)
	assert.True(t, stored.EnableMatching)

	assert.Equal(t, "Apartamento Águas Claras", stored.PropertyTitle)
	require.NotNil(t, stored.PropertyPrice)
	assert.Equal(t, 500000.0, *stored.PropertyPrice)
	assert.Equal(t, "venda", stored.PreferredType)
	assert.Equal(t, "apartamento", stored.PreferredCategory)
	assert.Equal(t, "Brasília", stored.PreferredCity)
	require.NotNil(t, stored.PreferredBedrooms)
	assert.Equal(t, 3, *stored.PreferredBedrooms)
	require.NotNil(t, stored.PreferredPriceMin)
	require.NotNil(t, stored.PreferredPriceMax)
	assert.InDelta(t, 400000, *stored.PreferredPriceMin, 0.01)
	assert.InDelta(t, 600000, *stored.PreferredPriceMax, 0.01)

	score, err := f.store.GetScore(ctx, lead.ID)
	require.NoError(t, err)
	assert.NotZero(t, score.TotalScore)

	require.Len(t, f.notifier.text, 1)
	assert.Equal(t, "5561900000000", f.notifier.to[0])
	assert.Contains(t, f.notifier.text[0], "INTERESSE EM IMÓVEL")
	assert.Contains(t, f.notifier.text[0], "Ana Souza")
	assert.Contains(t, f.notifier.text[0], "R$ 500.000")
}

func TestCreateFromContactForm_WithoutProperty(t *testing.T) {
	f := newFixture(t)

	lead, err := f.service.CreateFromContactForm(context.Background(), ContactForm{Name: "João", PropertyID: "missing"})
	require.NoError(t, err)
	assert.False(t, lead.EnableMatching)
	assert.Nil(t, lead.PreferredPriceMin)
	assert.Contains(t, f.notifier.text[0], "Não informado")
}

func TestCreateFromContactForm_RequiresName(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateFromContactForm(context.Background(), ContactForm{Name: "  ", Email: "x@example.com"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, f.notifier.text)
}

func TestCreateFromContactForm_NotificationFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("all providers down")

	lead, err := f.service.CreateFromContactForm(context.Background(), ContactForm{Name: "Maria"})
	require.NoError(t, err)
	assert.NotEmpty(t, lead.ID)
}

func TestBookVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)
	req := VisitRequest{
		PropertyID:  "p1",
		ClientName:  "Paulo",
		ClientEmail: "paulo@example.com",
		ClientPhone: "61988887777",
		ScheduledAt: at,
	}

	booking, err := f.service.BookVisit(ctx, req)
	require.NoError(t, err)
	assert.True(t, booking.LeadCreated)
	assert.Equal(t, models.AppointmentScheduled, booking.Appointment.Status)
	assert.Equal(t, 60, booking.Appointment.DurationMins)
	assert.Equal(t, booking.Lead.ID, booking.Appointment.LeadID)
	assert.Equal(t, models.SourceAppointment, booking.Lead.Source)
	assert.Equal(t, models.LeadStatusInterested, booking.Lead.Status)
	assert.Equal(t, "Apartamento Águas Claras", booking.Lead.PropertyTitle)

	require.Len(t, f.notifier.text, 1)
	assert.Contains(t, f.notifier.text[0], "NOVA VISITA AGENDADA")
	assert.Contains(t, f.notifier.text[0], "10/06/2024 14:00")

	// Same client, same property, another slot: the lead is reused.
	req.ScheduledAt = at.Add(2 * time.Hour)
	again, err := f.service.BookVisit(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.LeadCreated)
	assert.Equal(t, booking.Lead.ID, again.Lead.ID)

	leads, err := f.store.ListLeads(ctx)
	require.NoError(t, err)
	assert.Len(t, leads, 1)
}

func TestBookVisit_DoubleBookedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)

	_, err := f.service.BookVisit(ctx, VisitRequest{PropertyID: "p1", ClientName: "A", ClientEmail: "a@example.com", ClientPhone: "1", ScheduledAt: at})
	require.NoError(t, err)

	_, err = f.service.BookVisit(ctx, VisitRequest{PropertyID: "p2", ClientName: "B", ClientEmail: "b@example.com", ClientPhone: "2", ScheduledAt: at, DurationMins: 30})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestBookVisit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.BookVisit(ctx, VisitRequest{PropertyID: "p1", ClientName: "A", ClientEmail: "a@example.com", ClientPhone: "1"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.service.BookVisit(ctx, VisitRequest{PropertyID: "nope", ClientName: "A", ClientEmail: "a@example.com", ClientPhone: "1", ScheduledAt: time.Now()})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendSuggestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lead, err := f.service.CreateFromContactForm(ctx, ContactForm{Name: "Ana", Phone: "61999990000", PropertyID: "p1"})
	require.NoError(t, err)

	out, err := f.service.SendSuggestions(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, out.Sent)
	assert.Empty(t, out.Reason)

	ids := make([]string, 0, len(out.Properties))
	for _, p := range out.Properties {
		ids = append(ids, p.ID)
	}
	// Newest first; excludes the original, other categories and prices
	// outside the band, and unavailable units.
	assert.Equal(t, []string{"p3", "p2"}, ids)

	msg := f.notifier.text[len(f.notifier.text)-1]
	assert.Equal(t, "61999990000", f.notifier.to[len(f.notifier.to)-1])
	assert.Contains(t, msg, "OUTRAS OPÇÕES PARA VOCÊ")
	assert.Contains(t, msg, "1. *Apartamento Sudoeste*")
	assert.Contains(t, msg, "https://imob.example/imovel/apto-sudoeste")
	assert.Contains(t, msg, "https://imob.example/opt-out/"+lead.ID)

	stored, err := f.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, stored.AgentProcessed)
	assert.Equal(t, "suggestions_sent", stored.AgentStatus)
	assert.NotNil(t, stored.AgentProcessedAt)
}

func TestSendSuggestions_Skips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	noMatching, err := f.service.CreateFromContactForm(ctx, ContactForm{Name: "A", Phone: "61999990000"})
	require.NoError(t, err)
	out, err := f.service.SendSuggestions(ctx, noMatching.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonMatchingDisabled, out.Reason)

	noPhone, err := f.service.CreateFromContactForm(ctx, ContactForm{Name: "B", PropertyID: "p1"})
	require.NoError(t, err)
	out, err = f.service.SendSuggestions(ctx, noPhone.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoPhone, out.Reason)

	lonely, err := f.service.CreateFromContactForm(ctx, ContactForm{Name: "C", Phone: "61999990000", PropertyID: "p5"})
	require.NoError(t, err)
	out, err = f.service.SendSuggestions(ctx, lonely.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoMatches, out.Reason)
	assert.Empty(t, out.Properties)

	_, err = f.service.SendSuggestions(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendSuggestions_DeliveryFailureRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lead, err := f.service.CreateFromContactForm(ctx, ContactForm{Name: "Ana", Phone: "61999990000", PropertyID: "p1"})
	require.NoError(t, err)
	f.notifier.err = messaging.ErrAllProvidersFailed

	out, err := f.service.SendSuggestions(ctx, lead.ID)
	require.NoError(t, err)
	assert.False(t, out.Sent)
	assert.Equal(t, ReasonDeliveryFailed, out.Reason)

	stored, err := f.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "suggestions_error", stored.AgentStatus)
}

func TestBookVisit_ConcurrentBookingsShareLead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

	bookings := make([]*Booking, 6)
	var wg sync.WaitGroup
	for i := range bookings {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := f.service.BookVisit(ctx, VisitRequest{
				PropertyID:  "p1",
				ClientName:  "Paulo",
				ClientEmail: "paulo@example.com",
				ClientPhone: "61988887777",
				ScheduledAt: at.Add(time.Duration(i) * time.Hour),
			})
			if assert.NoError(t, err) {
				bookings[i] = b
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, b := range bookings {
		require.NotNil(t, b)
		assert.Equal(t, bookings[0].Lead.ID, b.Lead.ID)
		if b.LeadCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	leads, err := f.store.ListLeads(ctx)
	require.NoError(t, err)
	assert.Len(t, leads, 1)
}

func TestSendSuggestions_KeepsStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead, err := f.service.CreateFromContactForm(ctx, ContactForm{Name: "Marina", Phone: "61999998888", PropertyID: "p1"})
	require.NoError(t, err)
	_, err = kanban.NewPipeline(f.store, zap.NewNop()).MoveLead(ctx, lead.ID, "em_atendimento", models.Actor{}, "", "")
	require.NoError(t, err)

	_, err = f.service.SendSuggestions(ctx, lead.ID)
	require.NoError(t, err)

	stored, err := f.store.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "em_atendimento", stored.CurrentStage)
	assert.True(t, stored.AgentProcessed)
}
