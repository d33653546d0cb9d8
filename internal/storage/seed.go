package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/imob-leadbot/internal/models"
	"go.uber.org/zap"
)

// DefaultBotID is the id of the capture bot created by Seed.
const DefaultBotID = "bot-captacao"

const defaultBotPrompt = `Você é um assistente virtual especializado em imóveis.
Seu objetivo é ajudar clientes a encontrar o imóvel ideal e captar suas informações.

SEMPRE:
- Seja educado e prestativo
- Faça perguntas para entender as necessidades
- Capture: nome, telefone, faixa de preço, tipo de imóvel desejado
- Sugira imóveis do banco de dados quando possível

NUNCA:
- Invente imóveis que não existem
- Seja agressivo ou insistente
- Forneça informações falsas`

func DefaultStages() []*models.LeadStage {
	return []*models.LeadStage{
		{ID: "captado", Name: "Captado", Description: "Lead recém-captado, ainda não foi contatado", Color: "#94A3B8", Icon: "📥", Order: 1, Type: models.StageActive, Active: true},
		{ID: "em_atendimento", Name: "Em Atendimento", Description: "Lead está sendo contatado pelo corretor", Color: "#3B82F6", Icon: "💬", Order: 2, Type: models.StageActive, Active: true},
		{ID: "visita_marcada", Name: "Visita Marcada", Description: "Visita ao imóvel foi agendada", Color: "#8B5CF6", Icon: "📅", Order: 3, Type: models.StageActive, Active: true},
		{ID: "proposta_enviada", Name: "Proposta Enviada", Description: "Proposta foi enviada ao cliente", Color: "#F59E0B", Icon: "📄", Order: 4, Type: models.StageActive, Active: true},
		{ID: "em_negociacao", Name: "Em Negociação", Description: "Negociando valores e condições", Color: "#EC4899", Icon: "🤝", Order: 5, Type: models.StageActive, Active: true},
		{ID: "fechado_ganho", Name: "Fechado - Ganho", Description: "Negócio fechado com sucesso!", Color: "#10B981", Icon: "✅", Order: 6, Type: models.StageWon, Active: true},
		{ID: "perdido", Name: "Perdido", Description: "Lead perdido ou desistiu", Color: "#EF4444", Icon: "❌", Order: 7, Type: models.StageLost, Active: true},
	}
}

func DefaultScoreRules() []*models.ScoreRule {
	rule := func(id, name, desc, cond string, op models.Operator, value string, points int, cat models.ScoreCategory, prio int) *models.ScoreRule {
		return &models.ScoreRule{
			ID: id, Name: name, Description: desc, Condition: cond, Operator: op, Value: value,
			Points: points, Category: cat, Priority: prio, Active: true,
		}
	}
	return []*models.ScoreRule{
		rule("rule-has-phone", "Tem telefone", "Lead forneceu número de telefone", "has_phone", models.OpExists, "", 10, models.CategoryProfile, 1),
		rule("rule-has-email", "Tem email", "Lead forneceu email", "has_email", models.OpExists, "", 5, models.CategoryProfile, 2),
		rule("rule-profile-complete", "Perfil completo", "Lead tem nome, telefone e email", "profile_complete", models.OpEquals, "true", 15, models.CategoryProfile, 3),
		rule("rule-has-preferences", "Preferências definidas", "Lead definiu faixa de preço e tipo de imóvel", "has_preferences", models.OpExists, "", 10, models.CategoryProfile, 4),
		rule("rule-chatbot", "Conversou no chatbot", "Lead interagiu com o chatbot", "chatbot_interaction", models.OpGreaterThan, "0", 10, models.CategoryEngagement, 5),
		rule("rule-chatbot-multi", "Múltiplas conversas", "Lead conversou mais de 3 vezes", "chatbot_interaction", models.OpGreaterThan, "3", 10, models.CategoryEngagement, 6),
		rule("rule-response-time", "Respondeu rapidamente", "Lead responde em menos de 5 minutos", "response_time", models.OpLessThan, "300", 5, models.CategoryEngagement, 7),
		rule("rule-viewed-property", "Clicou em imóvel", "Lead visualizou página de imóvel", "viewed_property", models.OpEquals, "true", 5, models.CategoryEngagement, 8),
		rule("rule-requested-visit", "Pediu visita", "Lead solicitou agendamento de visita", "requested_visit", models.OpEquals, "true", 15, models.CategoryIntent, 9),
		rule("rule-financing", "Perguntou sobre financiamento", "Lead perguntou sobre opções de financiamento", "asked_financing", models.OpEquals, "true", 10, models.CategoryIntent, 10),
		rule("rule-urgency", "Urgência mencionada", "Lead mencionou urgência", "has_urgency", models.OpEquals, "true", 10, models.CategoryIntent, 11),
		rule("rule-multi-property", "Interesse em múltiplos imóveis", "Lead demonstrou interesse em mais de um imóvel", "interested_properties", models.OpGreaterThan, "1", 5, models.CategoryIntent, 12),
		rule("rule-perfect-match", "Imóvel perfeito disponível", "Temos imóvel que atende 100% das preferências", "perfect_match", models.OpEquals, "true", 20, models.CategoryMatch, 13),
		rule("rule-good-match", "Bom match disponível", "Temos imóvel que atende 80%+ das preferências", "good_match", models.OpEquals, "true", 10, models.CategoryMatch, 14),
	}
}

// SeedOptions selects the completion backend of the default bot.
type SeedOptions struct {
	AIProvider string
	AIModel    string
}

// Seed inserts the default stages, scoring rules and capture bot when they
// are missing. Existing rows are left as they are.
func Seed(ctx context.Context, store Storage, opts SeedOptions, logger *zap.Logger) error {
	for _, stage := range DefaultStages() {
		if _, err := store.GetStage(ctx, stage.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("error checking stage %s: %w", stage.ID, err)
		}
		if err := store.SaveStage(ctx, stage); err != nil {
			return fmt.Errorf("error seeding stage %s: %w", stage.ID, err)
		}
		logger.Info("Seeded stage", zap.String("stage_id", stage.ID))
	}

	existing, err := store.ListScoreRules(ctx)
	if err != nil {
		return fmt.Errorf("error listing score rules: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, r := range existing {
		known[r.ID] = true
	}
	for _, r := range DefaultScoreRules() {
		if known[r.ID] {
			continue
		}
		if err := store.SaveScoreRule(ctx, r); err != nil {
			return fmt.Errorf("error seeding score rule %s: %w", r.ID, err)
		}
	}

	if _, err := store.GetBot(ctx, DefaultBotID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("error checking default bot: %w", err)
	}
	bot := &models.Bot{
		ID:             DefaultBotID,
		Name:           "Bot de Captação - WhatsApp",
		Description:    "Bot automático para captar leads via WhatsApp",
		Active:         true,
		Channels:       []models.Channel{models.ChannelWhatsApp, models.ChannelWeb, models.ChannelTelegram},
		AIProvider:     opts.AIProvider,
		AIModel:        opts.AIModel,
		SystemPrompt:   defaultBotPrompt,
		AutoCreateLead: true,
		LeadSource:     models.SourceChatbot,
		CreatedAt:      time.Now(),
	}
	if err := store.SaveBot(ctx, bot); err != nil {
		return fmt.Errorf("error seeding default bot: %w", err)
	}
	logger.Info("Seeded default bot", zap.String("bot_id", bot.ID))
	return nil
}
