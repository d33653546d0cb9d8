package models

import "time"

// Lead sources.
const (
	SourceSite        = "site"
	SourceChatbot     = "chatbot"
	SourceWhatsAppBot = "whatsapp_bot"
	SourceTelegramBot = "telegram_bot"
	SourceAppointment = "agendamento_visita"
)

// Lead statuses.
const (
	LeadStatusNew        = "novo"
	LeadStatusInterested = "interessado"
	LeadStatusLost       = "perdido"
)

// Lead is a prospective customer tracked by the CRM pipeline.
type Lead struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message,omitempty"`

	// Snapshot of the property the lead was captured on.
	PropertyID    string   `json:"propertyId,omitempty"`
	PropertyTitle string   `json:"propertyTitle,omitempty"`
	PropertyPrice *float64 `json:"propertyPrice,omitempty"`
	PropertyType  string   `json:"propertyType,omitempty"`

	Source         string    `json:"source"`
	Status         string    `json:"status"`
	CurrentStage   string    `json:"currentStage"`
	StageUpdatedAt time.Time `json:"stageUpdatedAt"`
	EnableMatching bool      `json:"enableMatching"`

	PreferredType     string   `json:"preferredType,omitempty"`
	PreferredCategory string   `json:"preferredCategory,omitempty"`
	PreferredCity     string   `json:"preferredCity,omitempty"`
	PreferredBedrooms *int     `json:"preferredBedrooms,omitempty"`
	PreferredPriceMin *float64 `json:"preferredPriceMin,omitempty"`
	PreferredPriceMax *float64 `json:"preferredPriceMax,omitempty"`

	BrokerID  string `json:"brokerId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	AgentProcessed   bool       `json:"agentProcessed"`
	AgentStatus      string     `json:"agentStatus,omitempty"`
	AgentProcessedAt *time.Time `json:"agentProcessedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Preferences returns the lead's preference fields in session form.
func (l *Lead) Preferences() Preferences {
	return Preferences{
		Type:     l.PreferredType,
		Category: l.PreferredCategory,
		City:     l.PreferredCity,
		Bedrooms: l.PreferredBedrooms,
		MinPrice: l.PreferredPriceMin,
		MaxPrice: l.PreferredPriceMax,
	}
}

// ApplyPreferences overlays the non-empty fields of p onto the lead.
func (l *Lead) ApplyPreferences(p Preferences) {
	merged := l.Preferences().Merge(p)
	l.PreferredType = merged.Type
	l.PreferredCategory = merged.Category
	l.PreferredCity = merged.City
	l.PreferredBedrooms = merged.Bedrooms
	l.PreferredPriceMin = merged.MinPrice
	l.PreferredPriceMax = merged.MaxPrice
}

// Actor identifies who performed a stage change.
type Actor struct {
	ID   string
	Name string
}

// SystemActorName is recorded when no human initiated the change.
const SystemActorName = "Sistema"

// DisplayName returns the actor name, defaulting to the system actor.
func (a Actor) DisplayName() string {
	if a.Name == "" {
		return SystemActorName
	}
	return a.Name
}

// Appointment statuses.
const (
	AppointmentScheduled = "agendado"
	AppointmentCancelled = "cancelado"
)

// Appointment is a property visit booked by a client.
type Appointment struct {
	ID           string    `json:"id"`
	PropertyID   string    `json:"propertyId"`
	LeadID       string    `json:"leadId,omitempty"`
	ClientName   string    `json:"clientName"`
	ClientEmail  string    `json:"clientEmail"`
	ClientPhone  string    `json:"clientPhone"`
	ScheduledAt  time.Time `json:"scheduledAt"`
	Status       string    `json:"status"`
	DurationMins int       `json:"duration"`
}
