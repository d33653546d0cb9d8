package models

import "time"

// Bot is the configuration of one dialogue agent.
type Bot struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	Active             bool      `json:"active"`
	Channels           []Channel `json:"channels"`
	AIProvider         string    `json:"aiProvider"`
	AIModel            string    `json:"aiModel"`
	SystemPrompt       string    `json:"systemPrompt,omitempty"`
	AutoCreateLead     bool      `json:"autoCreateLead"`
	AutoAssignBroker   bool      `json:"autoAssignBroker"`
	DefaultBrokerID    string    `json:"defaultBrokerId,omitempty"`
	LeadSource         string    `json:"leadSource,omitempty"`
	ConversationsCount int       `json:"conversationsCount"`
	LeadsCreatedCount  int       `json:"leadsCreatedCount"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Serves reports whether the bot listens on ch.
func (b *Bot) Serves(ch Channel) bool {
	for _, c := range b.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// SourceTag is the lead source recorded for leads this bot creates.
func (b *Bot) SourceTag() string {
	if b.LeadSource != "" {
		return b.LeadSource
	}
	return SourceChatbot
}

// Property availability.
const PropertyAvailable = "disponivel"

// Property is the read-only inventory item offered by the bot.
type Property struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Slug             string    `json:"slug"`
	Type             string    `json:"type"`
	Category         string    `json:"category"`
	Price            float64   `json:"price"`
	Bedrooms         *int      `json:"bedrooms,omitempty"`
	Bathrooms        *int      `json:"bathrooms,omitempty"`
	Area             *float64  `json:"area,omitempty"`
	City             string    `json:"city"`
	State            string    `json:"state"`
	Status           string    `json:"status"`
	AcceptsFinancing bool      `json:"acceptsFinancing"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PropertyFilter narrows inventory queries. Empty fields match anything.
type PropertyFilter struct {
	Type      string
	Category  string
	City      string
	MinPrice  *float64
	MaxPrice  *float64
	ExcludeID string
	Limit     int
}
