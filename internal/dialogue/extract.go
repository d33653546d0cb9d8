package dialogue

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xaenox/imob-leadbot/internal/models"
)

var (
	jsonObjectRe = regexp.MustCompile(`\{[\s\S]*\}`)
	phoneRe      = regexp.MustCompile(`\b\d{8,11}\b`)
	numericRe    = regexp.MustCompile(`^\d+$`)
	tokenSplitRe = regexp.MustCompile(`[,\s]+`)
	bedroomsRe   = regexp.MustCompile(`(\d+)\s*quartos?`)
	maxPriceRe   = regexp.MustCompile(`até\s*(?:r\$\s*)?(\d[\d.,]*)\s*(mil|k)?`)
	minPriceRe   = regexp.MustCompile(`(?:a partir de|acima de|mínimo de)\s*(?:r\$\s*)?(\d[\d.,]*)\s*(mil|k)?`)
)

const fallbackName = "Cliente Chatbot"

var nameStoplist = map[string]struct{}{
	"sim": {}, "ok": {}, "oi": {}, "olá": {}, "quero": {},
}

// flexFloat accepts a JSON number or a numeric string and ignores anything else.
type flexFloat struct {
	v *float64
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if n, err := strconv.ParseFloat(string(b), 64); err == nil {
		f.v = &n
	}
	return nil
}

func (f flexFloat) int() *int {
	if f.v == nil {
		return nil
	}
	i := int(*f.v)
	return &i
}

// flexBool accepts true, false or their string forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	v, _ := strconv.ParseBool(string(bytes.Trim(bytes.TrimSpace(b), `"`)))
	*f = flexBool(v)
	return nil
}

type envelopePreferences struct {
	Type     string    `json:"type"`
	Category string    `json:"category"`
	City     string    `json:"city"`
	Bedrooms flexFloat `json:"bedrooms"`
	MaxPrice flexFloat `json:"maxPrice"`
	MinPrice flexFloat `json:"minPrice"`
}

type envelopeContext struct {
	UserName             string              `json:"userName"`
	UserEmail            string              `json:"userEmail"`
	UserPhone            string              `json:"userPhone"`
	Preferences          envelopePreferences `json:"preferences"`
	InterestedPropertyID string              `json:"interestedPropertyId"`
	Intent               string              `json:"intent"`
}

type envelopeAction struct {
	Type string `json:"type"`
	Data struct {
		BrokerID string `json:"brokerId"`
	} `json:"data"`
}

// envelope is the JSON reply shape the model is asked to produce.
type envelope struct {
	Message          string           `json:"message"`
	Context          envelopeContext  `json:"context"`
	Actions          []envelopeAction `json:"actions"`
	ShouldCreateLead flexBool         `json:"shouldCreateLead"`
}

// parseEnvelope extracts the outermost JSON object from text.
func parseEnvelope(text string) (*envelope, bool) {
	raw := jsonObjectRe.FindString(text)
	if raw == "" {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false
	}
	return &env, true
}

func (c envelopeContext) toContext() models.Context {
	out := models.Context{
		Name:                 strings.TrimSpace(c.UserName),
		Email:                strings.TrimSpace(c.UserEmail),
		Phone:                strings.TrimSpace(c.UserPhone),
		InterestedPropertyID: strings.TrimSpace(c.InterestedPropertyID),
		Preferences: models.Preferences{
			Type:     strings.TrimSpace(c.Preferences.Type),
			Category: strings.TrimSpace(c.Preferences.Category),
			City:     strings.TrimSpace(c.Preferences.City),
			Bedrooms: c.Preferences.Bedrooms.int(),
			MinPrice: c.Preferences.MinPrice.v,
			MaxPrice: c.Preferences.MaxPrice.v,
		},
	}
	switch intent := models.Intent(strings.ToLower(strings.TrimSpace(c.Intent))); intent {
	case models.IntentHigh, models.IntentMedium, models.IntentLow:
		out.Intent = intent
	}
	return out
}

// findPhone returns the first phone-shaped token of text.
func findPhone(text string) string {
	return phoneRe.FindString(text)
}

// guessName derives a display name from a free-text message: numeric,
// short and greeting tokens are dropped and the first two remaining kept.
func guessName(text string) string {
	var kept []string
	for _, tok := range tokenSplitRe.Split(strings.TrimSpace(text), -1) {
		if utf8.RuneCountInString(tok) <= 2 || numericRe.MatchString(tok) {
			continue
		}
		if _, stop := nameStoplist[strings.ToLower(tok)]; stop {
			continue
		}
		kept = append(kept, tok)
		if len(kept) == 2 {
			break
		}
	}
	if len(kept) == 0 {
		return fallbackName
	}
	return strings.Join(kept, " ")
}

var categoryKeywords = map[string][]string{
	"apartamento": {"apartamento", "apto", "flat", "kitnet"},
	"casa":        {"casa", "sobrado"},
	"cobertura":   {"cobertura"},
	"terreno":     {"terreno", "lote"},
	"comercial":   {"sala comercial", "loja", "galpão", "comercial"},
}

var typeKeywords = map[string][]string{
	"venda":   {"comprar", "compra", "venda"},
	"aluguel": {"alugar", "aluguel", "locação"},
}

// extractPreferences is the keyword fallback used when the model reply
// carries no structured context.
func extractPreferences(text string, cities []string) models.Preferences {
	lower := strings.ToLower(text)
	var p models.Preferences

	// Checked in a fixed order so "cobertura" wins over a generic "apartamento".
	for _, category := range []string{"cobertura", "apartamento", "casa", "terreno", "comercial"} {
		if containsAny(lower, categoryKeywords[category]) {
			p.Category = category
			break
		}
	}
	for _, kind := range []string{"aluguel", "venda"} {
		if containsAny(lower, typeKeywords[kind]) {
			p.Type = kind
			break
		}
	}
	if m := bedroomsRe.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			p.Bedrooms = &n
		}
	}
	if m := maxPriceRe.FindStringSubmatch(lower); m != nil {
		p.MaxPrice = parseAmount(m[1], m[2])
	}
	if m := minPriceRe.FindStringSubmatch(lower); m != nil {
		p.MinPrice = parseAmount(m[1], m[2])
	}
	for _, city := range cities {
		if city != "" && strings.Contains(lower, strings.ToLower(city)) {
			p.City = city
			break
		}
	}
	return p
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// parseAmount reads "500.000", "500000" or "500" with a "mil" suffix.
func parseAmount(digits, suffix string) *float64 {
	digits = strings.TrimRight(digits, ".,")
	if i := strings.LastIndex(digits, ","); i >= 0 && len(digits)-i == 3 {
		digits = digits[:i]
	}
	digits = strings.NewReplacer(".", "", ",", "").Replace(digits)
	n, err := strconv.ParseFloat(digits, 64)
	if err != nil || n <= 0 {
		return nil
	}
	if suffix != "" {
		n *= 1000
	}
	return &n
}
