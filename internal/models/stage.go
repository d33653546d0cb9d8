package models

import "time"

// StageType marks a stage as part of the open funnel or as an outcome.
type StageType string

const (
	StageActive StageType = "active"
	StageWon    StageType = "won"
	StageLost   StageType = "lost"
)

// AutoAction is a side effect a stage declares for leads entering it.
// Declared actions are recorded but not executed.
type AutoAction struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// LeadStage is one kanban column.
type LeadStage struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Color       string       `json:"color"`
	Icon        string       `json:"icon"`
	Order       int          `json:"order"`
	Type        StageType    `json:"type"`
	AutoActions []AutoAction `json:"autoActions,omitempty"`
	Active      bool         `json:"active"`
}

// LeadHistory is the audit row of one stage transition.
type LeadHistory struct {
	ID            string    `json:"id"`
	LeadID        string    `json:"leadId"`
	FromStage     string    `json:"fromStage"`
	ToStage       string    `json:"toStage"`
	ChangedBy     string    `json:"changedBy,omitempty"`
	ChangedByName string    `json:"changedByName"`
	Reason        string    `json:"reason,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	DurationMins  int       `json:"duration"`
	CreatedAt     time.Time `json:"createdAt"`
}

// StageMove describes a requested transition for the store to apply.
type StageMove struct {
	LeadID    string
	ToStageID string
	Actor     Actor
	Reason    string
	Notes     string
	At        time.Time
}
