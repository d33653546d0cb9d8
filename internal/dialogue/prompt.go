package dialogue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xaenox/imob-leadbot/internal/models"
)

const defaultPersona = `Você é um assistente virtual de vendas imobiliárias.

SEU OBJETIVO:
- Ajudar o cliente a encontrar o imóvel ideal
- Capturar informações: nome, telefone, email, preferências
- Qualificar o lead (intenção de compra)

REGRAS:
1. Sugira até 3 imóveis que correspondam às preferências
2. Quando o cliente demonstrar interesse forte, peça nome e email
3. Seja amigável mas profissional`

const guardrails = `RESTRIÇÕES OBRIGATÓRIAS:
- Mencione SOMENTE imóveis presentes na lista IMÓVEIS DISPONÍVEIS abaixo.
- NUNCA invente imóveis, preços, endereços ou links. Use apenas os links fornecidos na lista.
- Se nenhum imóvel da lista atender ao pedido, diga isso claramente e convide o cliente a deixar nome e telefone para ser avisado quando surgir uma opção.`

const envelopeInstructions = `FORMATO DA RESPOSTA:
Retorne APENAS um JSON válido neste formato, sem texto antes ou depois:
{
  "message": "sua resposta completa ao cliente",
  "context": {
    "userName": "nome se fornecido",
    "userEmail": "email se fornecido",
    "userPhone": "telefone se fornecido",
    "preferences": {
      "type": "venda ou aluguel se mencionado",
      "category": "apartamento/casa/etc se mencionado",
      "city": "cidade se mencionada",
      "bedrooms": numero_de_quartos,
      "maxPrice": preco_maximo,
      "minPrice": preco_minimo
    },
    "interestedPropertyId": "id do imóvel de interesse específico",
    "intent": "high se quer visitar/comprar, medium se está pesquisando, low se só perguntando"
  },
  "actions": [{"type": "update_lead_preferences"}],
  "shouldCreateLead": true se tem nome E (telefone OU email), senão false
}
Ações permitidas: create_lead, update_lead_preferences, assign_broker.`

// buildSystemPrompt assembles persona, guardrails, the session context and
// the inventory snapshot.
func buildSystemPrompt(bot *models.Bot, session *models.Session, inventory []*models.Property, siteURL string) string {
	var b strings.Builder

	persona := strings.TrimSpace(bot.SystemPrompt)
	if persona == "" {
		persona = defaultPersona
	}
	b.WriteString(persona)
	b.WriteString("\n\n")
	b.WriteString(guardrails)
	b.WriteString("\n\nCONTEXTO ATUAL:\n")
	if raw, err := json.MarshalIndent(session.Context, "", "  "); err == nil {
		b.Write(raw)
	}
	b.WriteString("\n\nIMÓVEIS DISPONÍVEIS:\n")
	b.WriteString(formatInventory(inventory, siteURL))
	b.WriteString("\n\n")
	b.WriteString(envelopeInstructions)
	return b.String()
}

func formatInventory(inventory []*models.Property, siteURL string) string {
	if len(inventory) == 0 {
		return "(nenhum imóvel disponível no momento)"
	}
	siteURL = strings.TrimRight(siteURL, "/")

	entries := make([]string, 0, len(inventory))
	for i, p := range inventory {
		kind := "Venda"
		if p.Type == "aluguel" {
			kind = "Aluguel"
		}
		var e strings.Builder
		fmt.Fprintf(&e, "%d. %s (id: %s)\n", i+1, p.Title, p.ID)
		fmt.Fprintf(&e, "   - Tipo: %s\n", kind)
		fmt.Fprintf(&e, "   - Categoria: %s\n", p.Category)
		fmt.Fprintf(&e, "   - Preço: R$ %s\n", FormatBRL(p.Price))
		fmt.Fprintf(&e, "   - Quartos: %s\n", optInt(p.Bedrooms))
		fmt.Fprintf(&e, "   - Banheiros: %s\n", optInt(p.Bathrooms))
		if p.Area != nil {
			fmt.Fprintf(&e, "   - Área: %s m²\n", decimal.NewFromFloat(*p.Area).Round(0).String())
		} else {
			e.WriteString("   - Área: N/A\n")
		}
		fmt.Fprintf(&e, "   - Localização: %s - %s", p.City, p.State)
		if siteURL != "" && p.Slug != "" {
			fmt.Fprintf(&e, "\n   - Link: %s/imovel/%s", siteURL, p.Slug)
		}
		entries = append(entries, e.String())
	}
	return strings.Join(entries, "\n\n")
}

func optInt(v *int) string {
	if v == nil || *v == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%d", *v)
}

// FormatBRL renders an amount with Brazilian thousands separators and no cents.
func FormatBRL(amount float64) string {
	digits := decimal.NewFromFloat(amount).Round(0).Abs().String()
	var b strings.Builder
	if amount < 0 {
		b.WriteByte('-')
	}
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return b.String()
}
