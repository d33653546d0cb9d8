package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/imob-leadbot/internal/models"
)

type sessionKey struct {
	botID   string
	channel models.Channel
	address string
}

type MemoryStorage struct {
	mu           sync.RWMutex
	sessions     map[string]*models.Session
	active       map[sessionKey]string
	leads        map[string]*models.Lead
	history      map[string][]*models.LeadHistory
	scores       map[string]*models.LeadScore
	rules        map[string]*models.ScoreRule
	stages       map[string]*models.LeadStage
	bots         map[string]*models.Bot
	properties   map[string]*models.Property
	appointments map[string]*models.Appointment
	stats        []*models.TurnStat
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions:     make(map[string]*models.Session),
		active:       make(map[sessionKey]string),
		leads:        make(map[string]*models.Lead),
		history:      make(map[string][]*models.LeadHistory),
		scores:       make(map[string]*models.LeadScore),
		rules:        make(map[string]*models.ScoreRule),
		stages:       make(map[string]*models.LeadStage),
		bots:         make(map[string]*models.Bot),
		properties:   make(map[string]*models.Property),
		appointments: make(map[string]*models.Appointment),
	}
}

// Session methods
func (s *MemoryStorage) LoadOrCreateSession(ctx context.Context, botID string, channel models.Channel, address string, now time.Time) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{botID: botID, channel: channel, address: address}
	if id, ok := s.active[key]; ok {
		session := s.sessions[id]
		session.LastMessageAt = now
		return session.Clone(), false, nil
	}

	session := &models.Session{
		ID:             uuid.NewString(),
		BotID:          botID,
		Channel:        channel,
		ChannelAddress: address,
		Status:         models.SessionActive,
		Messages:       []models.Message{},
		StartedAt:      now,
		LastMessageAt:  now,
	}
	s.sessions[session.ID] = session
	s.active[key] = session.ID
	return session.Clone(), true, nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if session, exists := s.sessions[id]; exists {
		return session.Clone(), nil
	}
	return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
}

func (s *MemoryStorage) AppendMessages(ctx context.Context, sessionID string, msgs ...models.Message) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	session.Messages = append(session.Messages, msgs...)
	if n := len(msgs); n > 0 {
		session.LastMessageAt = msgs[n-1].Timestamp
	}
	return session.Clone(), nil
}

func (s *MemoryStorage) MergeSessionContext(ctx context.Context, sessionID string, patch models.Context, at time.Time) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	session.Context = session.Context.Merge(patch)
	session.LastMessageAt = at
	return session.Clone(), nil
}

func (s *MemoryStorage) CreateSessionLead(ctx context.Context, sessionID string, lead *models.Lead, at time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return "", false, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.LeadID != "" {
		return session.LeadID, false, nil
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if _, exists := s.leads[lead.ID]; exists {
		return "", false, fmt.Errorf("lead %s: %w", lead.ID, ErrConflict)
	}
	s.leads[lead.ID] = cloneLead(lead)
	session.LeadID = lead.ID
	session.LeadCreated = true
	session.LastMessageAt = at
	return lead.ID, true, nil
}

func (s *MemoryStorage) LinkSessionLead(ctx context.Context, sessionID, leadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.LeadID != "" && session.LeadID != leadID {
		return fmt.Errorf("session %s already linked to lead %s: %w", sessionID, session.LeadID, ErrConflict)
	}
	session.LeadID = leadID
	session.LeadCreated = true
	session.LastMessageAt = at
	return nil
}

func (s *MemoryStorage) SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if session.Status != models.SessionActive {
		return fmt.Errorf("session %s is %s: %w", sessionID, session.Status, ErrConflict)
	}
	session.Status = status
	session.LastMessageAt = at
	delete(s.active, sessionKey{botID: session.BotID, channel: session.Channel, address: session.ChannelAddress})
	return nil
}

func (s *MemoryStorage) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Lead methods
func (s *MemoryStorage) CreateLead(ctx context.Context, lead *models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if _, exists := s.leads[lead.ID]; exists {
		return fmt.Errorf("lead %s: %w", lead.ID, ErrConflict)
	}
	s.leads[lead.ID] = cloneLead(lead)
	return nil
}

func (s *MemoryStorage) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lead, exists := s.leads[id]; exists {
		return cloneLead(lead), nil
	}
	return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
}

func (s *MemoryStorage) UpdateLead(ctx context.Context, id string, fn LeadUpdateFunc) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.leads[id]
	if !exists {
		return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	lead := cloneLead(stored)
	if err := fn(lead); err != nil {
		return nil, err
	}
	lead.ID = stored.ID
	lead.CurrentStage = stored.CurrentStage
	lead.StageUpdatedAt = stored.StageUpdatedAt
	s.leads[id] = lead
	return cloneLead(lead), nil
}

func (s *MemoryStorage) ListLeads(ctx context.Context) ([]*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Lead, 0, len(s.leads))
	for _, lead := range s.leads {
		out = append(out, cloneLead(lead))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStorage) UpsertLeadByEmailAndProperty(ctx context.Context, lead *models.Lead) (*models.Lead, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.Lead
	for _, existing := range s.leads {
		if existing.Email != lead.Email || existing.PropertyID != lead.PropertyID {
			continue
		}
		if found == nil || existing.CreatedAt.After(found.CreatedAt) {
			found = existing
		}
	}
	if found != nil {
		return cloneLead(found), false, nil
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if _, exists := s.leads[lead.ID]; exists {
		return nil, false, fmt.Errorf("lead %s: %w", lead.ID, ErrConflict)
	}
	s.leads[lead.ID] = cloneLead(lead)
	return cloneLead(lead), true, nil
}

func (s *MemoryStorage) MoveLeadStage(ctx context.Context, leadID string, fn StageMoveFunc) (*models.Lead, *models.LeadHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.leads[leadID]
	if !exists {
		return nil, nil, fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
	}
	lead := cloneLead(stored)
	entry, err := fn(lead)
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return cloneLead(stored), nil, nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.leads[leadID] = cloneLead(lead)
	row := *entry
	s.history[leadID] = append(s.history[leadID], &row)
	return lead, entry, nil
}

// cloneLead copies a lead including the values behind its pointer fields.
func cloneLead(lead *models.Lead) *models.Lead {
	cp := *lead
	cp.PropertyPrice = clonePtr(lead.PropertyPrice)
	cp.PreferredBedrooms = clonePtr(lead.PreferredBedrooms)
	cp.PreferredPriceMin = clonePtr(lead.PreferredPriceMin)
	cp.PreferredPriceMax = clonePtr(lead.PreferredPriceMax)
	cp.AgentProcessedAt = clonePtr(lead.AgentProcessedAt)
	return &cp
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (s *MemoryStorage) ListLeadHistory(ctx context.Context, leadID string) ([]*models.LeadHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.LeadHistory, 0, len(s.history[leadID]))
	for _, h := range s.history[leadID] {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

// Score methods
func (s *MemoryStorage) ListScoreRules(ctx context.Context) ([]*models.ScoreRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.ScoreRule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

func (s *MemoryStorage) SaveScoreRule(ctx context.Context, rule *models.ScoreRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	cp := *rule
	s.rules[rule.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetScore(ctx context.Context, leadID string) (*models.LeadScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if score, exists := s.scores[leadID]; exists {
		return cloneScore(score), nil
	}
	return nil, fmt.Errorf("score for lead %s: %w", leadID, ErrNotFound)
}

func (s *MemoryStorage) UpdateScore(ctx context.Context, leadID string, fn ScoreUpdateFunc) (*models.LeadScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.leads[leadID]; !exists {
		return nil, fmt.Errorf("lead %s: %w", leadID, ErrNotFound)
	}
	score := &models.LeadScore{LeadID: leadID}
	if existing, ok := s.scores[leadID]; ok {
		score = cloneScore(existing)
	}
	if err := fn(score); err != nil {
		return nil, err
	}
	s.scores[leadID] = score
	return cloneScore(score), nil
}

func cloneScore(score *models.LeadScore) *models.LeadScore {
	cp := *score
	cp.History = append([]models.ScoreHistoryEntry(nil), score.History...)
	return &cp
}

// Stage methods
func (s *MemoryStorage) ListStages(ctx context.Context) ([]*models.LeadStage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.LeadStage, 0, len(s.stages))
	for _, st := range s.stages {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out, nil
}

func (s *MemoryStorage) GetStage(ctx context.Context, id string) (*models.LeadStage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, exists := s.stages[id]; exists {
		cp := *st
		return &cp, nil
	}
	return nil, fmt.Errorf("stage %s: %w", id, ErrNotFound)
}

func (s *MemoryStorage) SaveStage(ctx context.Context, stage *models.LeadStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stage.ID == "" {
		stage.ID = uuid.NewString()
	}
	cp := *stage
	s.stages[stage.ID] = &cp
	return nil
}

// Bot methods
func (s *MemoryStorage) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, exists := s.bots[id]; exists {
		cp := *b
		cp.Channels = append([]models.Channel(nil), b.Channels...)
		return &cp, nil
	}
	return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
}

func (s *MemoryStorage) ListBots(ctx context.Context) ([]*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		cp := *b
		cp.Channels = append([]models.Channel(nil), b.Channels...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStorage) SaveBot(ctx context.Context, bot *models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	cp := *bot
	cp.Channels = append([]models.Channel(nil), bot.Channels...)
	s.bots[bot.ID] = &cp
	return nil
}

func (s *MemoryStorage) IncrementBotCounters(ctx context.Context, botID string, conversations, leads int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.bots[botID]
	if !exists {
		return fmt.Errorf("bot %s: %w", botID, ErrNotFound)
	}
	b.ConversationsCount += conversations
	b.LeadsCreatedCount += leads
	return nil
}

// Property methods
func (s *MemoryStorage) GetProperty(ctx context.Context, id string) (*models.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, exists := s.properties[id]; exists {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("property %s: %w", id, ErrNotFound)
}

func (s *MemoryStorage) ListAvailableProperties(ctx context.Context, filter models.PropertyFilter) ([]*models.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Property
	for _, p := range s.properties {
		if p.Status != models.PropertyAvailable || !matchesFilter(p, filter) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(p *models.Property, f models.PropertyFilter) bool {
	switch {
	case f.ExcludeID != "" && p.ID == f.ExcludeID:
		return false
	case f.Type != "" && p.Type != f.Type:
		return false
	case f.Category != "" && p.Category != f.Category:
		return false
	case f.City != "" && p.City != f.City:
		return false
	case f.MinPrice != nil && p.Price < *f.MinPrice:
		return false
	case f.MaxPrice != nil && p.Price > *f.MaxPrice:
		return false
	}
	return true
}

func (s *MemoryStorage) SaveProperty(ctx context.Context, p *models.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := *p
	s.properties[p.ID] = &cp
	return nil
}

func (s *MemoryStorage) CreateAppointment(ctx context.Context, a *models.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.appointments {
		if existing.Status != models.AppointmentCancelled && existing.ScheduledAt.Equal(a.ScheduledAt) {
			return fmt.Errorf("slot %s: %w", a.ScheduledAt.Format(time.RFC3339), ErrConflict)
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	cp := *a
	s.appointments[a.ID] = &cp
	return nil
}

func (s *MemoryStorage) SaveTurnStat(ctx context.Context, stat *models.TurnStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stat.ID == "" {
		stat.ID = uuid.NewString()
	}
	cp := *stat
	s.stats = append(s.stats, &cp)
	return nil
}

// TurnStats returns a copy of the recorded turn stats.
func (s *MemoryStorage) TurnStats() []models.TurnStat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TurnStat, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	return out
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
