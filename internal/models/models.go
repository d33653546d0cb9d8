package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrValidation marks input that was rejected before reaching the store.
var ErrValidation = errors.New("validation failed")

// Channel identifies the transport a session runs on.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWeb      Channel = "web"
	ChannelTelegram Channel = "telegram"
)

// SessionStatus is the lifecycle state of a bot session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionClosed    SessionStatus = "closed"
	SessionAbandoned SessionStatus = "abandoned"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session's conversation history
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Intent is the purchase intent level inferred by the dialogue engine.
type Intent string

const (
	IntentHigh   Intent = "high"
	IntentMedium Intent = "medium"
	IntentLow    Intent = "low"
)

// Preferences are the property search criteria a user has stated.
type Preferences struct {
	Type     string   `json:"type,omitempty"`
	Category string   `json:"category,omitempty"`
	City     string   `json:"city,omitempty"`
	Bedrooms *int     `json:"bedrooms,omitempty"`
	MinPrice *float64 `json:"minPrice,omitempty"`
	MaxPrice *float64 `json:"maxPrice,omitempty"`
}

// IsEmpty reports whether no preference field is set.
func (p Preferences) IsEmpty() bool {
	return p.Type == "" && p.Category == "" && p.City == "" &&
		p.Bedrooms == nil && p.MinPrice == nil && p.MaxPrice == nil
}

// Merge overlays the non-empty fields of patch onto p.
func (p Preferences) Merge(patch Preferences) Preferences {
	if patch.Type != "" {
		p.Type = patch.Type
	}
	if patch.Category != "" {
		p.Category = patch.Category
	}
	if patch.City != "" {
		p.City = patch.City
	}
	if patch.Bedrooms != nil {
		p.Bedrooms = patch.Bedrooms
	}
	if patch.MinPrice != nil {
		p.MinPrice = patch.MinPrice
	}
	if patch.MaxPrice != nil {
		p.MaxPrice = patch.MaxPrice
	}
	return p
}

// Context holds the facts extracted from a conversation so far.
type Context struct {
	Name                 string      `json:"userName,omitempty"`
	Email                string      `json:"userEmail,omitempty"`
	Phone                string      `json:"userPhone,omitempty"`
	Preferences          Preferences `json:"preferences,omitempty"`
	InterestedPropertyID string      `json:"interestedPropertyId,omitempty"`
	Intent               Intent      `json:"intent,omitempty"`
}

// Merge applies patch on top of c. Scalar fields are overwritten when the
// patch carries a value; preferences are merged key by key.
func (c Context) Merge(patch Context) Context {
	if patch.Name != "" {
		c.Name = patch.Name
	}
	if patch.Email != "" {
		c.Email = patch.Email
	}
	if patch.Phone != "" {
		c.Phone = patch.Phone
	}
	if patch.InterestedPropertyID != "" {
		c.InterestedPropertyID = patch.InterestedPropertyID
	}
	if patch.Intent != "" {
		c.Intent = patch.Intent
	}
	c.Preferences = c.Preferences.Merge(patch.Preferences)
	return c
}

// Session represents one continuous conversation on one channel with one bot
type Session struct {
	ID             string        `json:"id"`
	BotID          string        `json:"botId"`
	Channel        Channel       `json:"channel"`
	ChannelAddress string        `json:"channelAddress"`
	Status         SessionStatus `json:"status"`
	Messages       []Message     `json:"messages"`
	Context        Context       `json:"context"`
	LeadID         string        `json:"leadId,omitempty"`
	LeadCreated    bool          `json:"leadCreated"`
	StartedAt      time.Time     `json:"startedAt"`
	LastMessageAt  time.Time     `json:"lastMessageAt"`
}

// HasLead reports whether a lead is linked to the session.
func (s *Session) HasLead() bool {
	return s.LeadID != ""
}

// RecentMessages returns at most the last n messages.
func (s *Session) RecentMessages(n int) []Message {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = append([]Message(nil), s.Messages...)
	return &cp
}

// TurnStat is the per-turn usage and cost record of the completion backend.
type TurnStat struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	BotID        string          `json:"botId"`
	InputTokens  int             `json:"inputTokens"`
	OutputTokens int             `json:"outputTokens"`
	CostUSD      decimal.Decimal `json:"costUsd"`
	LeadCaptured bool            `json:"leadCaptured"`
	CreatedAt    time.Time       `json:"createdAt"`
}
