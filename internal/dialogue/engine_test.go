package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/imob-leadbot/internal/models"
	"go.uber.org/zap"
)

type fakeCompleter struct {
	reply    string
	err      error
	requests []Request
}

func (f *fakeCompleter) Complete(_ context.Context, req Request) (*Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Text: f.reply, InputTokens: 1000, OutputTokens: 200}, nil
}

type fakeInventory struct {
	props []*models.Property
	err   error
}

func (f *fakeInventory) ListAvailableProperties(_ context.Context, filter models.PropertyFilter) ([]*models.Property, error) {
	if f.err != nil {
		return nil, f.err
	}
	if filter.Limit > 0 && len(f.props) > filter.Limit {
		return f.props[:filter.Limit], nil
	}
	return f.props, nil
}

func intPtr(v int) *int { return &v }

func newTestEngine(c Completer, inv Inventory) *Engine {
	reg := NewRegistry("openai")
	reg.Register("openai", c)
	return NewEngine(reg, inv, Config{SiteURL: "https://imob.example.com/"}, zap.NewNop())
}

func testBot() *models.Bot {
	return &models.Bot{ID: "bot-1", Name: "Captação", Active: true, AIProvider: "openai", AutoCreateLead: true}
}

func sessionWith(n int) *models.Session {
	s := &models.Session{ID: "sess-1", BotID: "bot-1", Channel: models.ChannelWhatsApp, ChannelAddress: "5561999990000", Status: models.SessionActive}
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		s.Messages = append(s.Messages, models.Message{Role: role, Content: fmt.Sprintf("msg %d", i), Timestamp: time.Now()})
	}
	return s
}

func inventory() *fakeInventory {
	return &fakeInventory{props: []*models.Property{
		{ID: "p1", Title: "Apartamento Águas Claras", Slug: "apto-aguas-claras", Type: "venda", Category: "apartamento", Price: 450000, Bedrooms: intPtr(2), City: "Taguatinga", State: "DF"},
		{ID: "p2", Title: "Casa Lago Sul", Type: "aluguel", Category: "casa", Price: 9500, City: "Brasília", State: "DF"},
	}}
}

func kinds(actions []models.Action) []models.ActionKind {
	out := make([]models.ActionKind, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestProcessTurn_PhoneOnFirstTurnDoesNotCreateLead(t *testing.T) {
	c := &fakeCompleter{reply: "Temos ótimas opções em Taguatinga!"}
	e := newTestEngine(c, inventory())

	turn, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(0),
		"Quero apartamento 2 quartos em Taguatinga até 500000, meu telefone é 61999990000")
	require.NoError(t, err)

	assert.Equal(t, "Temos ótimas opções em Taguatinga!", turn.Reply)
	assert.False(t, turn.Structured)
	assert.NotContains(t, kinds(turn.Actions), models.ActionCreateLead)

	prefs := turn.ContextPatch.Preferences
	assert.Equal(t, "apartamento", prefs.Category)
	assert.Equal(t, "Taguatinga", prefs.City)
	require.NotNil(t, prefs.Bedrooms)
	assert.Equal(t, 2, *prefs.Bedrooms)
	require.NotNil(t, prefs.MaxPrice)
	assert.Equal(t, 500000.0, *prefs.MaxPrice)
	assert.Equal(t, "61999990000", turn.ContextPatch.Phone)
}

func TestProcessTurn_PhoneLaterInConversationCreatesLead(t *testing.T) {
	c := &fakeCompleter{reply: "Obrigado, um corretor vai te chamar."}
	e := newTestEngine(c, inventory())

	turn, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(4), "Carlos Lima, 61988887777")
	require.NoError(t, err)

	require.Equal(t, []models.ActionKind{models.ActionCreateLead}, kinds(turn.Actions))
	assert.Equal(t, "Carlos Lima", turn.Actions[0].Lead.Name)
	assert.Equal(t, "61988887777", turn.Actions[0].Lead.Phone)
}

func TestProcessTurn_PhoneWithLinkedLeadIsIgnored(t *testing.T) {
	c := &fakeCompleter{reply: "Anotado!"}
	e := newTestEngine(c, inventory())
	s := sessionWith(6)
	s.LeadID = "lead-1"

	turn, err := e.ProcessTurn(context.Background(), testBot(), s, "meu outro número 61977776666")
	require.NoError(t, err)
	assert.NotContains(t, kinds(turn.Actions), models.ActionCreateLead)
}

func TestProcessTurn_StructuredEnvelope(t *testing.T) {
	c := &fakeCompleter{reply: "Claro! ```json\n" + `{
		"message": "Perfeito, Ana! Vou separar as opções.",
		"context": {
			"userName": "Ana",
			"userEmail": "ana@example.com",
			"preferences": {"category": "casa", "bedrooms": "3", "maxPrice": 900000},
			"intent": "HIGH"
		},
		"actions": [{"type": "update_lead_preferences"}, {"type": "send_brochure"}],
		"shouldCreateLead": "true"
	}` + "\n```"}
	e := newTestEngine(c, inventory())

	turn, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(2), "Sou a Ana, ana@example.com")
	require.NoError(t, err)

	assert.True(t, turn.Structured)
	assert.Equal(t, "Perfeito, Ana! Vou separar as opções.", turn.Reply)
	assert.Equal(t, "Ana", turn.ContextPatch.Name)
	assert.Equal(t, models.IntentHigh, turn.ContextPatch.Intent)
	require.NotNil(t, turn.ContextPatch.Preferences.Bedrooms)
	assert.Equal(t, 3, *turn.ContextPatch.Preferences.Bedrooms)

	require.Equal(t, []models.ActionKind{
		models.ActionCreateLead,
		models.ActionUpdateLeadPreferences,
		models.ActionNoOp,
	}, kinds(turn.Actions))
	assert.Equal(t, "Ana", turn.Actions[0].Lead.Name)
	assert.Equal(t, "ana@example.com", turn.Actions[0].Lead.Email)
	assert.Equal(t, "casa", turn.Actions[0].Lead.Preferences.Category)
	assert.Equal(t, "send_brochure", turn.Actions[2].Requested)
}

func TestProcessTurn_CreateLeadSkippedWhenLinked(t *testing.T) {
	c := &fakeCompleter{reply: `{"message":"ok","context":{"preferences":{"city":"Brasília"}},"actions":[{"type":"create_lead"},{"type":"assign_broker","data":{"brokerId":"b-9"}}],"shouldCreateLead":true}`}
	e := newTestEngine(c, inventory())
	s := sessionWith(4)
	s.LeadID = "lead-1"

	turn, err := e.ProcessTurn(context.Background(), testBot(), s, "prefiro Brasília")
	require.NoError(t, err)

	require.Equal(t, []models.ActionKind{models.ActionAssignBroker, models.ActionUpdateLeadPreferences}, kinds(turn.Actions))
	assert.Equal(t, "b-9", turn.Actions[0].BrokerID)
	assert.Equal(t, "Brasília", turn.Actions[1].Preferences.City)
}

func TestProcessTurn_EmptyReplyFallsBack(t *testing.T) {
	e := newTestEngine(&fakeCompleter{reply: ""}, inventory())

	turn, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(0), "oi")
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, turn.Reply)
}

func TestProcessTurn_RequestCarriesHistoryAndGuardrails(t *testing.T) {
	c := &fakeCompleter{reply: "ok"}
	e := newTestEngine(c, inventory())

	_, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(3), "tem casa?")
	require.NoError(t, err)

	require.Len(t, c.requests, 1)
	req := c.requests[0]
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "tem casa?", req.Messages[3].Content)
	assert.Equal(t, models.RoleUser, req.Messages[3].Role)
	assert.Contains(t, req.SystemPrompt, "NUNCA invente imóveis")
	assert.Contains(t, req.SystemPrompt, "Apartamento Águas Claras (id: p1)")
	assert.Contains(t, req.SystemPrompt, "https://imob.example.com/imovel/apto-aguas-claras")
	assert.Contains(t, req.SystemPrompt, "R$ 450.000")
	assert.Contains(t, req.SystemPrompt, "Você é um assistente virtual")
}

func TestProcessTurn_InventoryLimit(t *testing.T) {
	inv := &fakeInventory{}
	for i := 0; i < 80; i++ {
		inv.props = append(inv.props, &models.Property{ID: fmt.Sprintf("p%d", i), Title: fmt.Sprintf("Imóvel %d", i)})
	}
	c := &fakeCompleter{reply: "ok"}
	e := newTestEngine(c, inv)

	_, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(0), "oi")
	require.NoError(t, err)
	assert.Contains(t, c.requests[0].SystemPrompt, "Imóvel 49 (id: p49)")
	assert.NotContains(t, c.requests[0].SystemPrompt, "(id: p50)")
}

func TestProcessTurn_CompletionErrorPassesThrough(t *testing.T) {
	e := newTestEngine(&fakeCompleter{err: fmt.Errorf("%w: slow down", ErrRateLimited)}, inventory())

	_, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(0), "oi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestProcessTurn_InventoryErrorAborts(t *testing.T) {
	boom := errors.New("db down")
	c := &fakeCompleter{reply: "ok"}
	e := newTestEngine(c, &fakeInventory{err: boom})

	_, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(0), "oi")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, c.requests)
}

func TestProcessTurn_CostAccounting(t *testing.T) {
	e := newTestEngine(&fakeCompleter{reply: "ok"}, inventory())

	turn, err := e.ProcessTurn(context.Background(), testBot(), sessionWith(0), "oi")
	require.NoError(t, err)

	// 1000/1e6*3 + 200/1e6*15
	assert.True(t, decimal.RequireFromString("0.006").Equal(turn.CostUSD), turn.CostUSD.String())
	assert.Equal(t, "openai", turn.Provider)
}

func TestRegistry_FallsBackToDefault(t *testing.T) {
	reg := NewRegistry("gemini")
	g := &fakeCompleter{}
	reg.Register("Gemini", g)

	c, name, ok := reg.For("anthropic")
	require.True(t, ok)
	assert.Same(t, g, c)
	assert.Equal(t, "gemini", name)

	_, _, ok = NewRegistry("openai").For("openai")
	assert.False(t, ok)
}

func TestStatusError(t *testing.T) {
	assert.ErrorIs(t, statusError(429), ErrRateLimited)
	assert.ErrorIs(t, statusError(401), ErrInvalidKey)
	assert.ErrorIs(t, statusError(403), ErrInvalidKey)
	assert.ErrorIs(t, statusError(504), ErrTimeout)
	assert.ErrorIs(t, statusError(500), ErrCompletion)
}

func TestFormatInventory_Empty(t *testing.T) {
	assert.True(t, strings.HasPrefix(formatInventory(nil, ""), "(nenhum imóvel"))
}
