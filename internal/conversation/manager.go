package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
)

// Manager owns per-channel sessions: history, extracted context and the
// linked lead.
type Manager struct {
	store  storage.SessionStorage
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store storage.SessionStorage, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now}
}

// LoadOrCreate returns the active session for the channel address, creating
// one when none exists.
func (m *Manager) LoadOrCreate(ctx context.Context, botID string, channel models.Channel, address string) (*models.Session, error) {
	session, created, err := m.store.LoadOrCreateSession(ctx, botID, channel, address, m.now())
	if err != nil {
		return nil, fmt.Errorf("error loading session: %w", err)
	}
	if created {
		m.logger.Info("Session created",
			zap.String("session_id", session.ID),
			zap.String("bot_id", botID),
			zap.String("channel", string(channel)))
	}
	return session, nil
}

// AppendMessage appends a timestamped message and returns the updated session.
func (m *Manager) AppendMessage(ctx context.Context, session *models.Session, role models.Role, text string) (*models.Session, error) {
	msg := models.Message{Role: role, Content: text, Timestamp: m.now()}
	updated, err := m.store.AppendMessages(ctx, session.ID, msg)
	if err != nil {
		return nil, fmt.Errorf("error appending %s message: %w", role, err)
	}
	return updated, nil
}

// MergeContext merges patch into the session context. Later values win and
// preferences merge key by key.
func (m *Manager) MergeContext(ctx context.Context, session *models.Session, patch models.Context) (*models.Session, error) {
	updated, err := m.store.MergeSessionContext(ctx, session.ID, patch, m.now())
	if err != nil {
		return nil, fmt.Errorf("error merging session context: %w", err)
	}
	return updated, nil
}

// LinkLead records leadID as the session's lead.
func (m *Manager) LinkLead(ctx context.Context, session *models.Session, leadID string) error {
	if err := m.store.LinkSessionLead(ctx, session.ID, leadID, m.now()); err != nil {
		return fmt.Errorf("error linking lead: %w", err)
	}
	session.LeadID = leadID
	session.LeadCreated = true
	return nil
}

func (m *Manager) Close(ctx context.Context, session *models.Session) error {
	return m.finish(ctx, session, models.SessionClosed)
}

func (m *Manager) Abandon(ctx context.Context, session *models.Session) error {
	return m.finish(ctx, session, models.SessionAbandoned)
}

func (m *Manager) finish(ctx context.Context, session *models.Session, status models.SessionStatus) error {
	if err := m.store.SetSessionStatus(ctx, session.ID, status, m.now()); err != nil {
		return fmt.Errorf("error setting session %s: %w", status, err)
	}
	session.Status = status
	m.logger.Info("Session finished", zap.String("session_id", session.ID), zap.String("status", string(status)))
	return nil
}

// Recent returns up to limit sessions, each trimmed to its last n messages.
func (m *Manager) Recent(ctx context.Context, limit, n int) ([]*models.Session, error) {
	sessions, err := m.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing sessions: %w", err)
	}
	for _, s := range sessions {
		s.Messages = s.RecentMessages(n)
	}
	return sessions, nil
}
