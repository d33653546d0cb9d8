package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/xaenox/imob-leadbot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := NewPostgresStorageFromDB(db, logger)

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

// NewPostgresStorageFromDB wraps an open handle without running migrations.
func NewPostgresStorageFromDB(db *sql.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{db: db, logger: logger}
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

// classify maps driver errors onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
		case pqErr.Code == "23503":
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		case strings.HasPrefix(string(pqErr.Code), "08"), strings.HasPrefix(string(pqErr.Code), "57P"):
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStorage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", zap.String("op", op), zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// Sessions

const sessionColumns = `id, bot_id, channel, channel_address, status, messages, context,
	lead_id, lead_created, started_at, last_message_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session  models.Session
		messages []byte
		sctx     []byte
	)
	err := row.Scan(
		&session.ID,
		&session.BotID,
		&session.Channel,
		&session.ChannelAddress,
		&session.Status,
		&messages,
		&sctx,
		&session.LeadID,
		&session.LeadCreated,
		&session.StartedAt,
		&session.LastMessageAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messages, &session.Messages); err != nil {
		return nil, fmt.Errorf("error decoding session messages: %w", err)
	}
	if err := json.Unmarshal(sctx, &session.Context); err != nil {
		return nil, fmt.Errorf("error decoding session context: %w", err)
	}
	if session.Messages == nil {
		session.Messages = []models.Message{}
	}
	return &session, nil
}

func (s *PostgresStorage) LoadOrCreateSession(ctx context.Context, botID string, channel models.Channel, address string, now time.Time) (*models.Session, bool, error) {
	insert := `
		INSERT INTO bot_sessions (id, bot_id, channel, channel_address, status, messages, context, started_at, last_message_at)
		VALUES ($1, $2, $3, $4, 'active', '[]', '{}', $5, $5)
		ON CONFLICT (bot_id, channel, channel_address) WHERE status = 'active' DO NOTHING
		RETURNING ` + sessionColumns
	touch := `
		UPDATE bot_sessions
		SET last_message_at = $4
		WHERE bot_id = $1 AND channel = $2 AND channel_address = $3 AND status = 'active'
		RETURNING ` + sessionColumns

	// The active row may be closed between a losing insert and the select.
	for attempt := 0; attempt < 3; attempt++ {
		session, err := scanSession(s.db.QueryRowContext(ctx, insert, uuid.NewString(), botID, channel, address, now))
		if err == nil {
			return session, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, classify("error creating session", err)
		}

		session, err = scanSession(s.db.QueryRowContext(ctx, touch, botID, channel, address, now))
		if err == nil {
			return session, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, classify("error loading session", err)
		}
	}
	return nil, false, fmt.Errorf("error loading session for %s/%s: %w", channel, address, ErrConflict)
}

func (s *PostgresStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM bot_sessions WHERE id = $1`
	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("error getting session", err)
	}
	return session, nil
}

func (s *PostgresStorage) AppendMessages(ctx context.Context, sessionID string, msgs ...models.Message) (*models.Session, error) {
	if len(msgs) == 0 {
		return s.GetSession(ctx, sessionID)
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("error encoding messages: %w", err)
	}
	query := `
		UPDATE bot_sessions
		SET messages = messages || $2::jsonb, last_message_at = $3
		WHERE id = $1
		RETURNING ` + sessionColumns
	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID, string(payload), msgs[len(msgs)-1].Timestamp))
	if err != nil {
		return nil, classify("error appending messages", err)
	}
	return session, nil
}

func (s *PostgresStorage) MergeSessionContext(ctx context.Context, sessionID string, patch models.Context, at time.Time) (*models.Session, error) {
	var merged *models.Session
	err := s.withTx(ctx, "error merging session context", func(tx *sql.Tx) error {
		query := `SELECT ` + sessionColumns + ` FROM bot_sessions WHERE id = $1 FOR UPDATE`
		session, err := scanSession(tx.QueryRowContext(ctx, query, sessionID))
		if err != nil {
			return classify("error locking session", err)
		}
		session.Context = session.Context.Merge(patch)
		session.LastMessageAt = at
		payload, err := json.Marshal(session.Context)
		if err != nil {
			return fmt.Errorf("error encoding session context: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE bot_sessions SET context = $2, last_message_at = $3 WHERE id = $1`,
			sessionID, string(payload), at)
		if err != nil {
			return classify("error updating session context", err)
		}
		merged = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *PostgresStorage) CreateSessionLead(ctx context.Context, sessionID string, lead *models.Lead, at time.Time) (string, bool, error) {
	var (
		linked  string
		created bool
	)
	err := s.withTx(ctx, "error creating session lead", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT lead_id FROM bot_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&linked)
		if err != nil {
			return classify("error locking session", err)
		}
		if linked != "" {
			return nil
		}
		if err := insertLead(ctx, tx, lead); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE bot_sessions SET lead_id = $2, lead_created = TRUE, last_message_at = $3 WHERE id = $1`,
			sessionID, lead.ID, at)
		if err != nil {
			return classify("error linking session lead", err)
		}
		linked = lead.ID
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return linked, created, nil
}

func (s *PostgresStorage) LinkSessionLead(ctx context.Context, sessionID, leadID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bot_sessions SET lead_id = $2, lead_created = TRUE, last_message_at = $3
		WHERE id = $1 AND (lead_id = '' OR lead_id = $2)`,
		sessionID, leadID, at)
	if err != nil {
		return classify("error linking session lead", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return fmt.Errorf("session %s already linked to another lead: %w", sessionID, ErrConflict)
}

func (s *PostgresStorage) SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bot_sessions SET status = $2, last_message_at = $3 WHERE id = $1 AND status = 'active'`,
		sessionID, status, at)
	if err != nil {
		return classify("error updating session status", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return fmt.Errorf("session %s is not active: %w", sessionID, ErrConflict)
}

func (s *PostgresStorage) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM bot_sessions
		ORDER BY last_message_at DESC
		LIMIT NULLIF($1, 0)`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify("error querying sessions", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func expectAffected(result sql.Result, what string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// Leads

const leadColumns = `id, name, email, phone, message, property_id, property_title, property_price,
	property_type, source, status, current_stage, stage_updated_at, enable_matching,
	preferred_type, preferred_category, preferred_city, preferred_bedrooms,
	preferred_price_min, preferred_price_max, broker_id, session_id,
	agent_processed, agent_status, agent_processed_at, created_at, updated_at`

func scanLead(row rowScanner) (*models.Lead, error) {
	var (
		lead          models.Lead
		propertyPrice sql.NullFloat64
		bedrooms      sql.NullInt64
		priceMin      sql.NullFloat64
		priceMax      sql.NullFloat64
		processedAt   sql.NullTime
	)
	err := row.Scan(
		&lead.ID,
		&lead.Name,
		&lead.Email,
		&lead.Phone,
		&lead.Message,
		&lead.PropertyID,
		&lead.PropertyTitle,
		&propertyPrice,
		&lead.PropertyType,
		&lead.Source,
		&lead.Status,
		&lead.CurrentStage,
		&lead.StageUpdatedAt,
		&lead.EnableMatching,
		&lead.PreferredType,
		&lead.PreferredCategory,
		&lead.PreferredCity,
		&bedrooms,
		&priceMin,
		&priceMax,
		&lead.BrokerID,
		&lead.SessionID,
		&lead.AgentProcessed,
		&lead.AgentStatus,
		&processedAt,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	lead.PropertyPrice = floatPtr(propertyPrice)
	lead.PreferredBedrooms = intPtr(bedrooms)
	lead.PreferredPriceMin = floatPtr(priceMin)
	lead.PreferredPriceMax = floatPtr(priceMax)
	lead.AgentProcessedAt = timePtr(processedAt)
	return &lead, nil
}

func leadArgs(lead *models.Lead) []any {
	return []any{
		lead.ID,
		lead.Name,
		lead.Email,
		lead.Phone,
		lead.Message,
		lead.PropertyID,
		lead.PropertyTitle,
		nullFloat(lead.PropertyPrice),
		lead.PropertyType,
		lead.Source,
		lead.Status,
		lead.CurrentStage,
		lead.StageUpdatedAt,
		lead.EnableMatching,
		lead.PreferredType,
		lead.PreferredCategory,
		lead.PreferredCity,
		nullInt(lead.PreferredBedrooms),
		nullFloat(lead.PreferredPriceMin),
		nullFloat(lead.PreferredPriceMax),
		lead.BrokerID,
		lead.SessionID,
		lead.AgentProcessed,
		lead.AgentStatus,
		nullTime(lead.AgentProcessedAt),
		lead.CreatedAt,
		lead.UpdatedAt,
	}
}

func insertLead(ctx context.Context, db execer, lead *models.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	query := `
		INSERT INTO leads (` + leadColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27)`

	if _, err := db.ExecContext(ctx, query, leadArgs(lead)...); err != nil {
		return classify("error creating lead", err)
	}
	return nil
}

func (s *PostgresStorage) CreateLead(ctx context.Context, lead *models.Lead) error {
	return insertLead(ctx, s.db, lead)
}

func (s *PostgresStorage) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	lead, err := scanLead(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("error getting lead", err)
	}
	return lead, nil
}

// UpdateLead writes every column except the stage pair, which only
// MoveLeadStage changes.
func (s *PostgresStorage) UpdateLead(ctx context.Context, id string, fn LeadUpdateFunc) (*models.Lead, error) {
	var updated *models.Lead
	err := s.withTx(ctx, "error updating lead", func(tx *sql.Tx) error {
		query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1 FOR UPDATE`
		lead, err := scanLead(tx.QueryRowContext(ctx, query, id))
		if err != nil {
			return classify("error locking lead", err)
		}
		stage, stageAt := lead.CurrentStage, lead.StageUpdatedAt
		if err := fn(lead); err != nil {
			return err
		}
		lead.ID = id
		lead.CurrentStage, lead.StageUpdatedAt = stage, stageAt

		_, err = tx.ExecContext(ctx, `
			UPDATE leads SET
				name = $2, email = $3, phone = $4, message = $5, property_id = $6, property_title = $7,
				property_price = $8, property_type = $9, source = $10, status = $11, enable_matching = $12,
				preferred_type = $13, preferred_category = $14, preferred_city = $15,
				preferred_bedrooms = $16, preferred_price_min = $17, preferred_price_max = $18,
				broker_id = $19, session_id = $20, agent_processed = $21, agent_status = $22,
				agent_processed_at = $23, updated_at = $24
			WHERE id = $1`,
			lead.ID, lead.Name, lead.Email, lead.Phone, lead.Message, lead.PropertyID, lead.PropertyTitle,
			nullFloat(lead.PropertyPrice), lead.PropertyType, lead.Source, lead.Status, lead.EnableMatching,
			lead.PreferredType, lead.PreferredCategory, lead.PreferredCity,
			nullInt(lead.PreferredBedrooms), nullFloat(lead.PreferredPriceMin), nullFloat(lead.PreferredPriceMax),
			lead.BrokerID, lead.SessionID, lead.AgentProcessed, lead.AgentStatus,
			nullTime(lead.AgentProcessedAt), lead.UpdatedAt)
		if err != nil {
			return classify("error updating lead", err)
		}
		updated = lead
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStorage) queryLeads(ctx context.Context, query string, args ...any) ([]*models.Lead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("error querying leads", err)
	}
	defer rows.Close()

	var leads []*models.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning lead: %w", err)
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

func (s *PostgresStorage) ListLeads(ctx context.Context) ([]*models.Lead, error) {
	return s.queryLeads(ctx, `SELECT `+leadColumns+` FROM leads ORDER BY created_at DESC`)
}

func (s *PostgresStorage) UpsertLeadByEmailAndProperty(ctx context.Context, lead *models.Lead) (*models.Lead, bool, error) {
	var (
		stored  *models.Lead
		created bool
	)
	err := s.withTx(ctx, "error upserting lead", func(tx *sql.Tx) error {
		// Serializes bookings of one client for one property.
		key := "lead:" + lead.Email + "|" + lead.PropertyID
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return classify("error locking lead key", err)
		}
		query := `
			SELECT ` + leadColumns + `
			FROM leads
			WHERE email = $1 AND property_id = $2
			ORDER BY created_at DESC
			LIMIT 1`
		existing, err := scanLead(tx.QueryRowContext(ctx, query, lead.Email, lead.PropertyID))
		switch {
		case err == nil:
			stored = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return classify("error finding lead", err)
		}
		if err := insertLead(ctx, tx, lead); err != nil {
			return err
		}
		stored = lead
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *PostgresStorage) MoveLeadStage(ctx context.Context, leadID string, fn StageMoveFunc) (*models.Lead, *models.LeadHistory, error) {
	var (
		moved *models.Lead
		entry *models.LeadHistory
	)
	err := s.withTx(ctx, "error moving lead", func(tx *sql.Tx) error {
		query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1 FOR UPDATE`
		lead, err := scanLead(tx.QueryRowContext(ctx, query, leadID))
		if err != nil {
			return classify("error locking lead", err)
		}
		row, err := fn(lead)
		if err != nil {
			return err
		}
		moved = lead
		if row == nil {
			return nil
		}
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE leads SET current_stage = $2, stage_updated_at = $3, updated_at = $4 WHERE id = $1`,
			lead.ID, lead.CurrentStage, lead.StageUpdatedAt, lead.UpdatedAt)
		if err != nil {
			return classify("error updating lead stage", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lead_history (id, lead_id, from_stage, to_stage, changed_by, changed_by_name,
				reason, notes, duration, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			row.ID, row.LeadID, row.FromStage, row.ToStage, row.ChangedBy, row.ChangedByName,
			row.Reason, row.Notes, row.DurationMins, row.CreatedAt)
		if err != nil {
			return classify("error inserting lead history", err)
		}
		entry = row
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return moved, entry, nil
}

func (s *PostgresStorage) ListLeadHistory(ctx context.Context, leadID string) ([]*models.LeadHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead_id, from_stage, to_stage, changed_by, changed_by_name, reason, notes, duration, created_at
		FROM lead_history
		WHERE lead_id = $1
		ORDER BY created_at ASC`, leadID)
	if err != nil {
		return nil, classify("error querying lead history", err)
	}
	defer rows.Close()

	var history []*models.LeadHistory
	for rows.Next() {
		h := &models.LeadHistory{}
		err := rows.Scan(&h.ID, &h.LeadID, &h.FromStage, &h.ToStage, &h.ChangedBy, &h.ChangedByName,
			&h.Reason, &h.Notes, &h.DurationMins, &h.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning lead history: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// Scores

func (s *PostgresStorage) ListScoreRules(ctx context.Context) ([]*models.ScoreRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, condition, operator, value, points, category, priority, active
		FROM lead_score_rules
		ORDER BY priority ASC`)
	if err != nil {
		return nil, classify("error querying score rules", err)
	}
	defer rows.Close()

	var rules []*models.ScoreRule
	for rows.Next() {
		r := &models.ScoreRule{}
		err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Condition, &r.Operator, &r.Value,
			&r.Points, &r.Category, &r.Priority, &r.Active)
		if err != nil {
			return nil, fmt.Errorf("error scanning score rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStorage) SaveScoreRule(ctx context.Context, r *models.ScoreRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lead_score_rules (id, name, description, condition, operator, value, points, category, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, condition = EXCLUDED.condition,
			operator = EXCLUDED.operator, value = EXCLUDED.value, points = EXCLUDED.points,
			category = EXCLUDED.category, priority = EXCLUDED.priority, active = EXCLUDED.active`,
		r.ID, r.Name, r.Description, r.Condition, r.Operator, r.Value, r.Points, r.Category, r.Priority, r.Active)
	if err != nil {
		return classify("error saving score rule", err)
	}
	return nil
}

const scoreColumns = `lead_id, total_score, profile_score, engagement_score, intent_score, match_score,
	classification, last_calculated_at, score_history`

func scanScore(row rowScanner) (*models.LeadScore, error) {
	var (
		score   models.LeadScore
		history []byte
	)
	err := row.Scan(&score.LeadID, &score.TotalScore, &score.ProfileScore, &score.EngagementScore,
		&score.IntentScore, &score.MatchScore, &score.Classification, &score.LastCalculatedAt, &history)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(history, &score.History); err != nil {
		return nil, fmt.Errorf("error decoding score history: %w", err)
	}
	return &score, nil
}

func (s *PostgresStorage) GetScore(ctx context.Context, leadID string) (*models.LeadScore, error) {
	score, err := scanScore(s.db.QueryRowContext(ctx, `SELECT `+scoreColumns+` FROM lead_scores WHERE lead_id = $1`, leadID))
	if err != nil {
		return nil, classify("error getting score", err)
	}
	return score, nil
}

func (s *PostgresStorage) UpdateScore(ctx context.Context, leadID string, fn ScoreUpdateFunc) (*models.LeadScore, error) {
	var updated *models.LeadScore
	err := s.withTx(ctx, "error updating score", func(tx *sql.Tx) error {
		// Serializes recalculations of one lead, including the first insert.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, leadID); err != nil {
			return classify("error locking score", err)
		}
		score, err := scanScore(tx.QueryRowContext(ctx, `SELECT `+scoreColumns+` FROM lead_scores WHERE lead_id = $1`, leadID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			score = &models.LeadScore{LeadID: leadID}
		case err != nil:
			return classify("error loading score", err)
		}
		if err := fn(score); err != nil {
			return err
		}
		history, err := json.Marshal(score.History)
		if err != nil {
			return fmt.Errorf("error encoding score history: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lead_scores (`+scoreColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (lead_id) DO UPDATE SET
				total_score = EXCLUDED.total_score, profile_score = EXCLUDED.profile_score,
				engagement_score = EXCLUDED.engagement_score, intent_score = EXCLUDED.intent_score,
				match_score = EXCLUDED.match_score, classification = EXCLUDED.classification,
				last_calculated_at = EXCLUDED.last_calculated_at, score_history = EXCLUDED.score_history`,
			score.LeadID, score.TotalScore, score.ProfileScore, score.EngagementScore, score.IntentScore,
			score.MatchScore, score.Classification, score.LastCalculatedAt, string(history))
		if err != nil {
			return classify("error saving score", err)
		}
		updated = score
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Stages

const stageColumns = `id, name, description, color, icon, stage_order, stage_type, auto_actions, active`

func scanStage(row rowScanner) (*models.LeadStage, error) {
	var (
		stage   models.LeadStage
		actions []byte
	)
	err := row.Scan(&stage.ID, &stage.Name, &stage.Description, &stage.Color, &stage.Icon,
		&stage.Order, &stage.Type, &actions, &stage.Active)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(actions, &stage.AutoActions); err != nil {
		return nil, fmt.Errorf("error decoding stage auto actions: %w", err)
	}
	return &stage, nil
}

func (s *PostgresStorage) ListStages(ctx context.Context) ([]*models.LeadStage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stageColumns+` FROM lead_stages ORDER BY stage_order ASC`)
	if err != nil {
		return nil, classify("error querying stages", err)
	}
	defer rows.Close()

	var stages []*models.LeadStage
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning stage: %w", err)
		}
		stages = append(stages, stage)
	}
	return stages, rows.Err()
}

func (s *PostgresStorage) GetStage(ctx context.Context, id string) (*models.LeadStage, error) {
	stage, err := scanStage(s.db.QueryRowContext(ctx, `SELECT `+stageColumns+` FROM lead_stages WHERE id = $1`, id))
	if err != nil {
		return nil, classify("error getting stage", err)
	}
	return stage, nil
}

func (s *PostgresStorage) SaveStage(ctx context.Context, stage *models.LeadStage) error {
	if stage.ID == "" {
		stage.ID = uuid.NewString()
	}
	actions := stage.AutoActions
	if actions == nil {
		actions = []models.AutoAction{}
	}
	payload, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("error encoding stage auto actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lead_stages (`+stageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, color = EXCLUDED.color,
			icon = EXCLUDED.icon, stage_order = EXCLUDED.stage_order, stage_type = EXCLUDED.stage_type,
			auto_actions = EXCLUDED.auto_actions, active = EXCLUDED.active`,
		stage.ID, stage.Name, stage.Description, stage.Color, stage.Icon, stage.Order, stage.Type, string(payload), stage.Active)
	if err != nil {
		return classify("error saving stage", err)
	}
	return nil
}

// Bots

const botColumns = `id, name, description, active, channels, ai_provider, ai_model, system_prompt,
	auto_create_lead, auto_assign_broker, default_broker_id, lead_source,
	conversations_count, leads_created_count, created_at`

func scanBot(row rowScanner) (*models.Bot, error) {
	var (
		bot      models.Bot
		channels []string
	)
	err := row.Scan(&bot.ID, &bot.Name, &bot.Description, &bot.Active, pq.Array(&channels),
		&bot.AIProvider, &bot.AIModel, &bot.SystemPrompt, &bot.AutoCreateLead, &bot.AutoAssignBroker,
		&bot.DefaultBrokerID, &bot.LeadSource, &bot.ConversationsCount, &bot.LeadsCreatedCount, &bot.CreatedAt)
	if err != nil {
		return nil, err
	}
	for _, c := range channels {
		bot.Channels = append(bot.Channels, models.Channel(c))
	}
	return &bot, nil
}

func (s *PostgresStorage) GetBot(ctx context.Context, id string) (*models.Bot, error) {
	bot, err := scanBot(s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if err != nil {
		return nil, classify("error getting bot", err)
	}
	return bot, nil
}

func (s *PostgresStorage) ListBots(ctx context.Context) ([]*models.Bot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at ASC`)
	if err != nil {
		return nil, classify("error querying bots", err)
	}
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning bot: %w", err)
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

func (s *PostgresStorage) SaveBot(ctx context.Context, bot *models.Bot) error {
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	channels := make([]string, 0, len(bot.Channels))
	for _, c := range bot.Channels {
		channels = append(channels, string(c))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (`+botColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, active = EXCLUDED.active,
			channels = EXCLUDED.channels, ai_provider = EXCLUDED.ai_provider, ai_model = EXCLUDED.ai_model,
			system_prompt = EXCLUDED.system_prompt, auto_create_lead = EXCLUDED.auto_create_lead,
			auto_assign_broker = EXCLUDED.auto_assign_broker, default_broker_id = EXCLUDED.default_broker_id,
			lead_source = EXCLUDED.lead_source`,
		bot.ID, bot.Name, bot.Description, bot.Active, pq.Array(channels), bot.AIProvider, bot.AIModel,
		bot.SystemPrompt, bot.AutoCreateLead, bot.AutoAssignBroker, bot.DefaultBrokerID, bot.LeadSource,
		bot.ConversationsCount, bot.LeadsCreatedCount, bot.CreatedAt)
	if err != nil {
		return classify("error saving bot", err)
	}
	return nil
}

func (s *PostgresStorage) IncrementBotCounters(ctx context.Context, botID string, conversations, leads int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bots
		SET conversations_count = conversations_count + $2, leads_created_count = leads_created_count + $3
		WHERE id = $1`, botID, conversations, leads)
	if err != nil {
		return classify("error incrementing bot counters", err)
	}
	return expectAffected(result, "bot "+botID)
}

// Properties

const propertyColumns = `id, title, slug, property_type, category, price, bedrooms, bathrooms, area,
	city, state, status, accepts_financing, created_at`

func scanProperty(row rowScanner) (*models.Property, error) {
	var (
		p         models.Property
		bedrooms  sql.NullInt64
		bathrooms sql.NullInt64
		area      sql.NullFloat64
	)
	err := row.Scan(&p.ID, &p.Title, &p.Slug, &p.Type, &p.Category, &p.Price, &bedrooms, &bathrooms,
		&area, &p.City, &p.State, &p.Status, &p.AcceptsFinancing, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Bedrooms = intPtr(bedrooms)
	p.Bathrooms = intPtr(bathrooms)
	p.Area = floatPtr(area)
	return &p, nil
}

func (s *PostgresStorage) GetProperty(ctx context.Context, id string) (*models.Property, error) {
	p, err := scanProperty(s.db.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id))
	if err != nil {
		return nil, classify("error getting property", err)
	}
	return p, nil
}

func (s *PostgresStorage) ListAvailableProperties(ctx context.Context, f models.PropertyFilter) ([]*models.Property, error) {
	where := []string{"status = $1"}
	args := []any{models.PropertyAvailable}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ExcludeID != "" {
		add("id <> $%d", f.ExcludeID)
	}
	if f.Type != "" {
		add("property_type = $%d", f.Type)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.City != "" {
		add("city = $%d", f.City)
	}
	if f.MinPrice != nil {
		add("price >= $%d", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		add("price <= $%d", *f.MaxPrice)
	}
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("error querying properties", err)
	}
	defer rows.Close()

	var properties []*models.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning property: %w", err)
		}
		properties = append(properties, p)
	}
	return properties, rows.Err()
}

func (s *PostgresStorage) SaveProperty(ctx context.Context, p *models.Property) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (`+propertyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, slug = EXCLUDED.slug, property_type = EXCLUDED.property_type,
			category = EXCLUDED.category, price = EXCLUDED.price, bedrooms = EXCLUDED.bedrooms,
			bathrooms = EXCLUDED.bathrooms, area = EXCLUDED.area, city = EXCLUDED.city,
			state = EXCLUDED.state, status = EXCLUDED.status, accepts_financing = EXCLUDED.accepts_financing`,
		p.ID, p.Title, p.Slug, p.Type, p.Category, p.Price, nullInt(p.Bedrooms), nullInt(p.Bathrooms),
		nullFloat(p.Area), p.City, p.State, p.Status, p.AcceptsFinancing, p.CreatedAt)
	if err != nil {
		return classify("error saving property", err)
	}
	return nil
}

// Appointments and stats

func (s *PostgresStorage) CreateAppointment(ctx context.Context, a *models.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return s.withTx(ctx, "error creating appointment", func(tx *sql.Tx) error {
		slot := a.ScheduledAt.UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, slot); err != nil {
			return classify("error locking slot", err)
		}
		var taken int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM appointments WHERE scheduled_at = $1 AND status <> 'cancelado'`,
			a.ScheduledAt).Scan(&taken)
		if err != nil {
			return classify("error checking slot", err)
		}
		if taken > 0 {
			return fmt.Errorf("slot %s: %w", slot, ErrConflict)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO appointments (id, property_id, lead_id, client_name, client_email, client_phone,
				scheduled_at, status, duration)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.PropertyID, a.LeadID, a.ClientName, a.ClientEmail, a.ClientPhone, a.ScheduledAt,
			a.Status, a.DurationMins)
		if err != nil {
			return classify("error inserting appointment", err)
		}
		return nil
	})
}

func (s *PostgresStorage) SaveTurnStat(ctx context.Context, stat *models.TurnStat) error {
	if stat.ID == "" {
		stat.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chatbot_stats (id, session_id, bot_id, input_tokens, output_tokens, cost_usd, lead_captured, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		stat.ID, stat.SessionID, stat.BotID, stat.InputTokens, stat.OutputTokens, stat.CostUSD,
		stat.LeadCaptured, stat.CreatedAt)
	if err != nil {
		return classify("error saving turn stat", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
