package scoring

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xaenox/imob-leadbot/internal/models"
)

// Condition is a symbolic fact a scoring rule tests.
type Condition string

const (
	HasPhone             Condition = "has_phone"
	HasEmail             Condition = "has_email"
	ProfileComplete      Condition = "profile_complete"
	HasPreferences       Condition = "has_preferences"
	ChatbotInteraction   Condition = "chatbot_interaction"
	ResponseTime         Condition = "response_time"
	ViewedProperty       Condition = "viewed_property"
	RequestedVisit       Condition = "requested_visit"
	AskedFinancing       Condition = "asked_financing"
	HasUrgency           Condition = "has_urgency"
	InterestedProperties Condition = "interested_properties"
	PerfectMatch         Condition = "perfect_match"
	GoodMatch            Condition = "good_match"
)

// Conditions lists every condition a rule may reference.
func Conditions() []Condition {
	return []Condition{
		HasPhone, HasEmail, ProfileComplete, HasPreferences,
		ChatbotInteraction, ResponseTime, ViewedProperty,
		RequestedVisit, AskedFinancing, HasUrgency, InterestedProperties,
		PerfectMatch, GoodMatch,
	}
}

var urgencyWords = []string{"urgente", "rápido", "logo", "imediato", "agora"}

// A predicate derives the fact value of a condition for a lead. ok is false
// when the fact is not tracked, in which case the rule never applies.
type predicate func(lead *models.Lead) (value float64, ok bool)

func boolFact(b bool) (float64, bool) {
	if b {
		return 1, true
	}
	return 0, true
}

func deferred(*models.Lead) (float64, bool) {
	return 0, false
}

func present(s string) bool {
	return strings.TrimSpace(s) != ""
}

func positive(v *float64) bool {
	return v != nil && *v > 0
}

func messageContains(lead *models.Lead, words ...string) bool {
	msg := strings.ToLower(lead.Message)
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

var predicates = map[Condition]predicate{
	HasPhone: func(l *models.Lead) (float64, bool) { return boolFact(present(l.Phone)) },
	HasEmail: func(l *models.Lead) (float64, bool) { return boolFact(present(l.Email)) },
	ProfileComplete: func(l *models.Lead) (float64, bool) {
		return boolFact(present(l.Name) && present(l.Phone) && present(l.Email))
	},
	HasPreferences: func(l *models.Lead) (float64, bool) {
		return boolFact(positive(l.PreferredPriceMin) || positive(l.PreferredPriceMax) ||
			present(l.PreferredCategory) || present(l.PreferredCity))
	},
	// Only the presence of a bot conversation is known, so the count is 0 or 1.
	ChatbotInteraction: func(l *models.Lead) (float64, bool) {
		switch l.Source {
		case models.SourceChatbot, models.SourceWhatsAppBot, models.SourceTelegramBot:
			return 1, true
		}
		return 0, true
	},
	ResponseTime:   deferred,
	ViewedProperty: func(l *models.Lead) (float64, bool) { return boolFact(present(l.PropertyID)) },
	RequestedVisit: deferred,
	AskedFinancing: func(l *models.Lead) (float64, bool) {
		return boolFact(messageContains(l, "financiamento"))
	},
	HasUrgency:           func(l *models.Lead) (float64, bool) { return boolFact(messageContains(l, urgencyWords...)) },
	InterestedProperties: deferred,
	PerfectMatch:         deferred,
	GoodMatch:            deferred,
}

// ParseCondition validates a stored condition key.
func ParseCondition(s string) (Condition, error) {
	c := Condition(s)
	if _, ok := predicates[c]; !ok {
		return "", fmt.Errorf("unknown scoring condition %q", s)
	}
	return c, nil
}

// ruleValue parses the comparison value of a rule. Booleans map to 1 and 0;
// an empty value means true.
func ruleValue(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, nil
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// applies reports whether rule matches lead.
func applies(c Condition, rule *models.ScoreRule, lead *models.Lead) bool {
	fact, ok := predicates[c](lead)
	if !ok {
		return false
	}
	if rule.Operator == models.OpExists {
		return fact != 0
	}
	want, err := ruleValue(rule.Value)
	if err != nil {
		return false
	}
	switch rule.Operator {
	case models.OpEquals:
		return fact == want
	case models.OpGreaterThan:
		return fact > want
	case models.OpLessThan:
		return fact < want
	}
	return false
}
