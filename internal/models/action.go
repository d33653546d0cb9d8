package models

// ActionKind is the closed set of side effects a dialogue turn may request.
type ActionKind string

const (
	ActionCreateLead            ActionKind = "create_lead"
	ActionUpdateLeadPreferences ActionKind = "update_lead_preferences"
	ActionAssignBroker          ActionKind = "assign_broker"
	ActionNoOp                  ActionKind = "noop"
)

// LeadDraft carries the fields of a lead the dialogue engine wants created.
type LeadDraft struct {
	Name        string
	Email       string
	Phone       string
	Preferences Preferences
}

// Action is one requested side effect. Only the field matching Kind is set.
type Action struct {
	Kind        ActionKind
	Lead        *LeadDraft
	Preferences *Preferences
	BrokerID    string
	// Requested holds the model's action name when it was mapped to NoOp.
	Requested string
}

func CreateLead(d LeadDraft) Action {
	return Action{Kind: ActionCreateLead, Lead: &d}
}

func UpdateLeadPreferences(p Preferences) Action {
	return Action{Kind: ActionUpdateLeadPreferences, Preferences: &p}
}

func AssignBroker(brokerID string) Action {
	return Action{Kind: ActionAssignBroker, BrokerID: brokerID}
}

func NoOp(requested string) Action {
	return Action{Kind: ActionNoOp, Requested: requested}
}
