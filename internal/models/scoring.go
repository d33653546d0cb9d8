package models

import "time"

// ScoreCategory groups rule points into sub-scores.
type ScoreCategory string

const (
	CategoryProfile    ScoreCategory = "profile"
	CategoryEngagement ScoreCategory = "engagement"
	CategoryIntent     ScoreCategory = "intent"
	CategoryMatch      ScoreCategory = "match"
)

// Classification tiers derived from the total score.
type Classification string

const (
	ClassVeryHot Classification = "very_hot"
	ClassHot     Classification = "hot"
	ClassWarm    Classification = "warm"
	ClassCold    Classification = "cold"
)

// Operator compares a condition fact against a rule value.
type Operator string

const (
	OpExists      Operator = "exists"
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// ScoreRule is one globally shared scoring rule.
type ScoreRule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Condition   string        `json:"condition"`
	Operator    Operator      `json:"operator"`
	Value       string        `json:"value,omitempty"`
	Points      int           `json:"points"`
	Category    ScoreCategory `json:"category"`
	Priority    int           `json:"priority"`
	Active      bool          `json:"active"`
}

// AppliedRule records a rule that contributed to a calculation.
type AppliedRule struct {
	Rule     string        `json:"rule"`
	Points   int           `json:"points"`
	Category ScoreCategory `json:"category"`
}

// ScoreHistoryEntry is one past calculation kept on the lead score.
type ScoreHistoryEntry struct {
	Date            time.Time      `json:"date"`
	TotalScore      int            `json:"totalScore"`
	ProfileScore    int            `json:"profileScore"`
	EngagementScore int            `json:"engagementScore"`
	IntentScore     int            `json:"intentScore"`
	MatchScore      int            `json:"matchScore"`
	Classification  Classification `json:"classification"`
	AppliedRules    []AppliedRule  `json:"appliedRules"`
}

// MaxScoreHistory caps the per-lead score history.
const MaxScoreHistory = 50

// LeadScore is the current score record of a lead.
type LeadScore struct {
	LeadID           string              `json:"leadId"`
	TotalScore       int                 `json:"totalScore"`
	ProfileScore     int                 `json:"profileScore"`
	EngagementScore  int                 `json:"engagementScore"`
	IntentScore      int                 `json:"intentScore"`
	MatchScore       int                 `json:"matchScore"`
	Classification   Classification      `json:"classification"`
	LastCalculatedAt time.Time           `json:"lastCalculatedAt"`
	History          []ScoreHistoryEntry `json:"scoreHistory"`
}

// PushHistory appends e and drops the oldest entries beyond MaxScoreHistory.
func (s *LeadScore) PushHistory(e ScoreHistoryEntry) {
	s.History = append(s.History, e)
	if over := len(s.History) - MaxScoreHistory; over > 0 {
		s.History = append([]ScoreHistoryEntry(nil), s.History[over:]...)
	}
}

// ApplyEntry copies the calculation in e onto the current score fields and
// records it in the history.
func (s *LeadScore) ApplyEntry(e ScoreHistoryEntry) {
	s.TotalScore = e.TotalScore
	s.ProfileScore = e.ProfileScore
	s.EngagementScore = e.EngagementScore
	s.IntentScore = e.IntentScore
	s.MatchScore = e.MatchScore
	s.Classification = e.Classification
	s.LastCalculatedAt = e.Date
	s.PushHistory(e)
}
