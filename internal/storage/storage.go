package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/imob-leadbot/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("store unavailable")
)

// Storage is the persistence boundary of the pipeline.
type Storage interface {
	SessionStorage
	LeadStorage
	ScoreStorage
	StageStorage
	BotStorage
	PropertyStorage
	AppointmentStorage

	SaveTurnStat(ctx context.Context, stat *models.TurnStat) error
	Close() error
}

type SessionStorage interface {
	// LoadOrCreateSession returns the active session for the triple or
	// atomically inserts a new one. created is true when a row was inserted.
	LoadOrCreateSession(ctx context.Context, botID string, channel models.Channel, address string, now time.Time) (s *models.Session, created bool, err error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	AppendMessages(ctx context.Context, sessionID string, msgs ...models.Message) (*models.Session, error)
	// MergeSessionContext applies patch to the stored context under a
	// per-session lock.
	MergeSessionContext(ctx context.Context, sessionID string, patch models.Context, at time.Time) (*models.Session, error)
	// CreateSessionLead inserts lead and links it to the session in one
	// step. When the session already has a lead nothing is inserted and the
	// linked id is returned with created false.
	CreateSessionLead(ctx context.Context, sessionID string, lead *models.Lead, at time.Time) (leadID string, created bool, err error)
	// LinkSessionLead sets the session's lead. ErrConflict is returned when
	// a different lead is already linked.
	LinkSessionLead(ctx context.Context, sessionID, leadID string, at time.Time) error
	// SetSessionStatus moves an active session into a terminal status.
	// ErrConflict is returned when the session is no longer active.
	SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, at time.Time) error
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)
}

// StageMoveFunc receives the locked lead and returns the history row to
// insert. A nil row leaves the lead untouched.
type StageMoveFunc func(lead *models.Lead) (*models.LeadHistory, error)

// LeadUpdateFunc mutates a locked lead. CurrentStage and StageUpdatedAt
// belong to MoveLeadStage and are not written back.
type LeadUpdateFunc func(lead *models.Lead) error

type LeadStorage interface {
	CreateLead(ctx context.Context, lead *models.Lead) error
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	UpdateLead(ctx context.Context, id string, fn LeadUpdateFunc) (*models.Lead, error)
	ListLeads(ctx context.Context) ([]*models.Lead, error)
	// UpsertLeadByEmailAndProperty returns the lead already registered for
	// (lead.Email, lead.PropertyID) or inserts lead. created is true when
	// lead was inserted.
	UpsertLeadByEmailAndProperty(ctx context.Context, lead *models.Lead) (stored *models.Lead, created bool, err error)
	MoveLeadStage(ctx context.Context, leadID string, fn StageMoveFunc) (*models.Lead, *models.LeadHistory, error)
	ListLeadHistory(ctx context.Context, leadID string) ([]*models.LeadHistory, error)
}

// ScoreUpdateFunc mutates the current score of a lead. The score passed in
// is zero-valued, with LeadID set, when none exists yet.
type ScoreUpdateFunc func(score *models.LeadScore) error

type ScoreStorage interface {
	ListScoreRules(ctx context.Context) ([]*models.ScoreRule, error)
	SaveScoreRule(ctx context.Context, rule *models.ScoreRule) error
	GetScore(ctx context.Context, leadID string) (*models.LeadScore, error)
	UpdateScore(ctx context.Context, leadID string, fn ScoreUpdateFunc) (*models.LeadScore, error)
}

type StageStorage interface {
	ListStages(ctx context.Context) ([]*models.LeadStage, error)
	GetStage(ctx context.Context, id string) (*models.LeadStage, error)
	SaveStage(ctx context.Context, stage *models.LeadStage) error
}

type BotStorage interface {
	GetBot(ctx context.Context, id string) (*models.Bot, error)
	ListBots(ctx context.Context) ([]*models.Bot, error)
	SaveBot(ctx context.Context, bot *models.Bot) error
	IncrementBotCounters(ctx context.Context, botID string, conversations, leads int) error
}

type PropertyStorage interface {
	GetProperty(ctx context.Context, id string) (*models.Property, error)
	// ListAvailableProperties returns properties with status disponivel,
	// newest first.
	ListAvailableProperties(ctx context.Context, filter models.PropertyFilter) ([]*models.Property, error)
	SaveProperty(ctx context.Context, p *models.Property) error
}

type AppointmentStorage interface {
	// CreateAppointment fails with ErrConflict when a non-cancelled
	// appointment already holds the same slot.
	CreateAppointment(ctx context.Context, a *models.Appointment) error
}
