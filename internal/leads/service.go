package leads

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/imob-leadbot/internal/dialogue"
	"github.com/xaenox/imob-leadbot/internal/messaging"
	"github.com/xaenox/imob-leadbot/internal/metrics"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"go.uber.org/zap"
)

const (
	maxSuggestions         = 5
	defaultVisitDuration   = 60
	priceBand              = 0.2
	agentSuggestionsSent   = "suggestions_sent"
	agentSuggestionsFailed = "suggestions_error"
)

type Store interface {
	GetProperty(ctx context.Context, id string) (*models.Property, error)
	ListAvailableProperties(ctx context.Context, filter models.PropertyFilter) ([]*models.Property, error)
	CreateLead(ctx context.Context, lead *models.Lead) error
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	UpdateLead(ctx context.Context, id string, fn storage.LeadUpdateFunc) (*models.Lead, error)
	UpsertLeadByEmailAndProperty(ctx context.Context, lead *models.Lead) (*models.Lead, bool, error)
	CreateAppointment(ctx context.Context, a *models.Appointment) error
}

type StageResolver interface {
	InitialStage(ctx context.Context) (*models.LeadStage, error)
}

type Scorer interface {
	Recalculate(ctx context.Context, leadID string) (*models.LeadScore, error)
}

// Notifier delivers WhatsApp text messages.
type Notifier interface {
	Send(ctx context.Context, to, text string) (*messaging.SendResult, error)
}

type Config struct {
	AdminPhone string
	SiteURL    string
	BrandName  string
}

type Service struct {
	store    Store
	stages   StageResolver
	scorer   Scorer
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, stages StageResolver, scorer Scorer, notifier Notifier, cfg Config, logger *zap.Logger) *Service {
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")
	return &Service{store: store, stages: stages, scorer: scorer, notifier: notifier, cfg: cfg, logger: logger, now: time.Now}
}

// ContactForm is a lead submitted through the site.
type ContactForm struct {
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Phone         string   `json:"phone"`
	Message       string   `json:"message"`
	PropertyID    string   `json:"propertyId"`
	PropertyTitle string   `json:"propertyTitle"`
	PropertyPrice *float64 `json:"propertyPrice"`
	PropertyType  string   `json:"propertyType"`
}

// CreateFromContactForm stores a site lead. When the form names a property,
// the lead inherits search preferences around it.
func (s *Service) CreateFromContactForm(ctx context.Context, form ContactForm) (*models.Lead, error) {
	name := strings.TrimSpace(form.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", models.ErrValidation)
	}

	stage, err := s.stages.InitialStage(ctx)
	if err != nil {
		return nil, fmt.Errorf("error resolving initial stage: %w", err)
	}

	now := s.now()
	lead := &models.Lead{
		ID:             uuid.NewString(),
		Name:           name,
		Email:          strings.TrimSpace(form.Email),
		Phone:          strings.TrimSpace(form.Phone),
		Message:        strings.TrimSpace(form.Message),
		PropertyID:     form.PropertyID,
		PropertyTitle:  form.PropertyTitle,
		PropertyPrice:  form.PropertyPrice,
		PropertyType:   form.PropertyType,
		Source:         models.SourceSite,
		Status:         models.LeadStatusNew,
		CurrentStage:   stage.ID,
		StageUpdatedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if form.PropertyID != "" {
		p, err := s.store.GetProperty(ctx, form.PropertyID)
		if err != nil {
			s.logger.Warn("Failed to load property for lead preferences",
				zap.String("property_id", form.PropertyID),
				zap.Error(err))
		} else {
			snapshot(lead, p)
			applyPropertyPreferences(lead, p)
		}
	}

	if err := s.store.CreateLead(ctx, lead); err != nil {
		return nil, fmt.Errorf("error creating lead: %w", err)
	}
	metrics.IncLeadCreated(lead.Source)
	s.logger.Info("Lead created from contact form",
		zap.String("lead_id", lead.ID),
		zap.Bool("matching", lead.EnableMatching))

	s.rescore(ctx, lead.ID)
	s.notifyAdmin(ctx, contactFormNotice(lead))
	return lead, nil
}

// snapshot copies the property fields the form left empty.
func snapshot(lead *models.Lead, p *models.Property) {
	if lead.PropertyTitle == "" {
		lead.PropertyTitle = p.Title
	}
	if lead.PropertyPrice == nil {
		price := p.Price
		lead.PropertyPrice = &price
	}
	if lead.PropertyType == "" {
		lead.PropertyType = p.Type
	}
}

func applyPropertyPreferences(lead *models.Lead, p *models.Property) {
	variation := p.Price * priceBand
	minPrice := math.Max(0, p.Price-variation)
	maxPrice := p.Price + variation
	lead.ApplyPreferences(models.Preferences{
		Type:     p.Type,
		Category: p.Category,
		City:     p.City,
		Bedrooms: p.Bedrooms,
		MinPrice: &minPrice,
		MaxPrice: &maxPrice,
	})
	lead.EnableMatching = true
}

// VisitRequest books a property visit.
type VisitRequest struct {
	PropertyID   string    `json:"propertyId"`
	ClientName   string    `json:"clientName"`
	ClientEmail  string    `json:"clientEmail"`
	ClientPhone  string    `json:"clientPhone"`
	ScheduledAt  time.Time `json:"scheduledDate"`
	DurationMins int       `json:"duration"`
}

type Booking struct {
	Appointment *models.Appointment `json:"appointment"`
	Lead        *models.Lead        `json:"lead"`
	LeadCreated bool                `json:"leadCreated"`
}

// BookVisit creates an appointment and the lead behind it. The lead is
// matched by (email, property) so repeat bookings reuse it. A slot already
// taken by a non-cancelled appointment fails with storage.ErrConflict.
func (s *Service) BookVisit(ctx context.Context, req VisitRequest) (*Booking, error) {
	req.ClientName = strings.TrimSpace(req.ClientName)
	req.ClientEmail = strings.TrimSpace(req.ClientEmail)
	req.ClientPhone = strings.TrimSpace(req.ClientPhone)
	if req.PropertyID == "" || req.ClientName == "" || req.ClientEmail == "" || req.ClientPhone == "" || req.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("missing required booking fields: %w", models.ErrValidation)
	}
	if req.DurationMins <= 0 {
		req.DurationMins = defaultVisitDuration
	}

	property, err := s.store.GetProperty(ctx, req.PropertyID)
	if err != nil {
		return nil, fmt.Errorf("error loading property: %w", err)
	}

	lead, created, err := s.upsertVisitLead(ctx, req, property)
	if err != nil {
		return nil, err
	}

	appt := &models.Appointment{
		ID:           uuid.NewString(),
		PropertyID:   property.ID,
		LeadID:       lead.ID,
		ClientName:   req.ClientName,
		ClientEmail:  req.ClientEmail,
		ClientPhone:  req.ClientPhone,
		ScheduledAt:  req.ScheduledAt,
		Status:       models.AppointmentScheduled,
		DurationMins: req.DurationMins,
	}
	if err := s.store.CreateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("error booking visit: %w", err)
	}
	s.logger.Info("Visit booked",
		zap.String("appointment_id", appt.ID),
		zap.String("lead_id", lead.ID),
		zap.String("property_id", property.ID),
		zap.Time("scheduled_at", appt.ScheduledAt))

	s.notifyAdmin(ctx, visitNotice(property, appt))
	return &Booking{Appointment: appt, Lead: lead, LeadCreated: created}, nil
}

func (s *Service) upsertVisitLead(ctx context.Context, req VisitRequest, property *models.Property) (*models.Lead, bool, error) {
	stage, err := s.stages.InitialStage(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("error resolving initial stage: %w", err)
	}
	now := s.now()
	price := property.Price
	draft := &models.Lead{
		ID:             uuid.NewString(),
		Name:           req.ClientName,
		Email:          req.ClientEmail,
		Phone:          req.ClientPhone,
		PropertyID:     property.ID,
		PropertyTitle:  property.Title,
		PropertyPrice:  &price,
		PropertyType:   property.Type,
		Source:         models.SourceAppointment,
		Status:         models.LeadStatusInterested,
		CurrentStage:   stage.ID,
		StageUpdatedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	lead, created, err := s.store.UpsertLeadByEmailAndProperty(ctx, draft)
	if err != nil {
		return nil, false, fmt.Errorf("error upserting lead: %w", err)
	}
	if created {
		metrics.IncLeadCreated(lead.Source)
		s.rescore(ctx, lead.ID)
	}
	return lead, created, nil
}

// Suggestions reports what SendSuggestions did. Reason explains why nothing
// was sent.
type Suggestions struct {
	LeadID     string             `json:"leadId"`
	Properties []*models.Property `json:"properties"`
	Sent       bool               `json:"sent"`
	Reason     string             `json:"reason,omitempty"`
}

const (
	ReasonMatchingDisabled = "matching_disabled"
	ReasonNoPhone          = "no_phone"
	ReasonNoMatches        = "no_matches"
	ReasonDeliveryFailed   = "delivery_failed"
)

// SendSuggestions sends a lead up to five other available properties that
// fit its preferences and records the outcome on the lead.
func (s *Service) SendSuggestions(ctx context.Context, leadID string) (*Suggestions, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("error loading lead: %w", err)
	}
	out := &Suggestions{LeadID: lead.ID, Properties: []*models.Property{}}
	if !lead.EnableMatching {
		out.Reason = ReasonMatchingDisabled
		return out, nil
	}
	if lead.Phone == "" {
		out.Reason = ReasonNoPhone
		return out, nil
	}

	props, err := s.store.ListAvailableProperties(ctx, suggestionFilter(lead))
	if err != nil {
		return nil, fmt.Errorf("error finding suggestions: %w", err)
	}
	if len(props) == 0 {
		out.Reason = ReasonNoMatches
		return out, nil
	}
	out.Properties = props

	status := agentSuggestionsSent
	if _, err := s.notifier.Send(ctx, lead.Phone, s.suggestionsMessage(lead, props)); err != nil {
		s.logger.Error("Failed to send suggestions", zap.String("lead_id", lead.ID), zap.Error(err))
		status = agentSuggestionsFailed
		out.Reason = ReasonDeliveryFailed
	} else {
		out.Sent = true
	}

	now := s.now()
	_, err = s.store.UpdateLead(ctx, lead.ID, func(l *models.Lead) error {
		l.AgentProcessed = true
		l.AgentStatus = status
		l.AgentProcessedAt = &now
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error recording suggestions: %w", err)
	}
	return out, nil
}

func suggestionFilter(lead *models.Lead) models.PropertyFilter {
	f := models.PropertyFilter{
		Type:      lead.PreferredType,
		Category:  lead.PreferredCategory,
		City:      lead.PreferredCity,
		ExcludeID: lead.PropertyID,
		Limit:     maxSuggestions,
	}
	if f.Type == "" {
		f.Type = lead.PropertyType
	}
	if lead.PreferredPriceMin != nil && lead.PreferredPriceMax != nil {
		f.MinPrice = lead.PreferredPriceMin
		f.MaxPrice = lead.PreferredPriceMax
	}
	return f
}

func (s *Service) suggestionsMessage(lead *models.Lead, props []*models.Property) string {
	items := make([]string, 0, len(props))
	for i, p := range props {
		item := fmt.Sprintf("%d. *%s*\n   Preço: R$ %s\n   Local: %s, %s", i+1, p.Title, dialogue.FormatBRL(p.Price), p.City, p.State)
		if s.cfg.SiteURL != "" && p.Slug != "" {
			item += fmt.Sprintf("\n   Ver: %s/imovel/%s", s.cfg.SiteURL, p.Slug)
		}
		items = append(items, item)
	}

	var b strings.Builder
	b.WriteString("*OUTRAS OPÇÕES PARA VOCÊ*\n\n")
	fmt.Fprintf(&b, "Olá *%s*!\n\n", lead.Name)
	if lead.PropertyTitle != "" {
		fmt.Fprintf(&b, "Vimos que você demonstrou interesse no imóvel \"%s\".\n\n", lead.PropertyTitle)
	}
	b.WriteString("Temos outras opções que podem te interessar na mesma faixa de preço e localização:\n\n")
	b.WriteString(strings.Join(items, "\n\n"))
	b.WriteString("\n\n*Gostaria de agendar uma visita?*\nResponda esta mensagem ou ligue para nós!")
	if s.cfg.SiteURL != "" {
		fmt.Fprintf(&b, "\n\n---\nPara não receber mais sugestões: %s/opt-out/%s", s.cfg.SiteURL, lead.ID)
	}
	if s.cfg.BrandName != "" {
		b.WriteString("\n\n" + s.cfg.BrandName)
	}
	return b.String()
}

func contactFormNotice(lead *models.Lead) string {
	price := "Não informado"
	if lead.PropertyPrice != nil {
		price = "R$ " + dialogue.FormatBRL(*lead.PropertyPrice)
	}
	message := lead.Message
	if message == "" {
		message = "Demonstrou interesse no imóvel"
	}
	return fmt.Sprintf("🏠 *INTERESSE EM IMÓVEL*\n\n👤 *Nome:* %s\n📧 *Email:* %s\n📱 *Telefone:* %s\n🏠 *Imóvel:* %s\n💰 *Preço:* %s\n\n💬 *Mensagem:*\n%s",
		lead.Name, orDefault(lead.Email), orDefault(lead.Phone), orDefault(lead.PropertyTitle), price, message)
}

func visitNotice(p *models.Property, a *models.Appointment) string {
	return fmt.Sprintf("🏠 *NOVA VISITA AGENDADA*\n\n📋 Imóvel: %s\n\n👤 Cliente: %s\n📞 Telefone: %s\n📧 Email: %s\n\n📅 Data/Hora: %s\n⏱️ Duração: %d minutos",
		p.Title, a.ClientName, a.ClientPhone, a.ClientEmail, a.ScheduledAt.Format("02/01/2006 15:04"), a.DurationMins)
}

func orDefault(v string) string {
	if v == "" {
		return "Não informado"
	}
	return v
}

func (s *Service) rescore(ctx context.Context, leadID string) {
	if s.scorer == nil {
		return
	}
	if _, err := s.scorer.Recalculate(ctx, leadID); err != nil {
		s.logger.Warn("Failed to score lead", zap.String("lead_id", leadID), zap.Error(err))
	}
}

// notifyAdmin is best effort; the lead is already stored.
func (s *Service) notifyAdmin(ctx context.Context, text string) {
	if s.notifier == nil || s.cfg.AdminPhone == "" {
		return
	}
	if _, err := s.notifier.Send(ctx, s.cfg.AdminPhone, text); err != nil {
		s.logger.Warn("Failed to notify admin", zap.Error(err))
	}
}
