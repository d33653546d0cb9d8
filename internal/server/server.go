package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"github.com/xaenox/imob-leadbot/internal/bot"
	"github.com/xaenox/imob-leadbot/internal/kanban"
	"github.com/xaenox/imob-leadbot/internal/leads"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/scoring"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 90 * time.Second
	defaultWebhookRate    = "120-M"
	maxBodyBytes          = 1 << 20
	recentSessionMessages = 10
)

type InboundHandler interface {
	HandleInbound(ctx context.Context, in bot.Inbound) (*bot.Outcome, error)
}

type LeadIntake interface {
	CreateFromContactForm(ctx context.Context, form leads.ContactForm) (*models.Lead, error)
	BookVisit(ctx context.Context, req leads.VisitRequest) (*leads.Booking, error)
	SendSuggestions(ctx context.Context, leadID string) (*leads.Suggestions, error)
}

type Scorer interface {
	Recalculate(ctx context.Context, leadID string) (*models.LeadScore, error)
	RecalculateAll(ctx context.Context) ([]scoring.Summary, error)
}

type Board interface {
	Board(ctx context.Context) ([]kanban.Column, error)
	MoveLead(ctx context.Context, leadID, toStageID string, actor models.Actor, reason, notes string) (*kanban.Move, error)
}

type SessionLister interface {
	Recent(ctx context.Context, limit, n int) ([]*models.Session, error)
}

// Deps are the services behind the HTTP routes.
type Deps struct {
	Inbound  InboundHandler
	Leads    LeadIntake
	Scorer   Scorer
	Board    Board
	Sessions SessionLister
}

type Options struct {
	Addr           string
	RequestTimeout time.Duration
	AllowedOrigins []string
	// VerifyToken answers the WhatsApp Cloud API subscription handshake.
	VerifyToken string
	// WebhookRate is the per-IP limit on webhook calls, e.g. "120-M".
	WebhookRate string
	// RateStore backs the webhook limiter. Defaults to an in-process store.
	RateStore limiter.Store
}

type Server struct {
	httpServer *http.Server
	deps       Deps
	opts       Options
	logger     *zap.Logger
}

func New(opts Options, deps Deps, logger *zap.Logger) (*Server, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.WebhookRate == "" {
		opts.WebhookRate = defaultWebhookRate
	}
	if opts.RateStore == nil {
		opts.RateStore = memory.NewStore()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{deps: deps, opts: opts, logger: logger}
	router, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() (http.Handler, error) {
	rate, err := limiter.NewRateFromFormatted(s.opts.WebhookRate)
	if err != nil {
		return nil, fmt.Errorf("error parsing webhook rate %q: %w", s.opts.WebhookRate, err)
	}
	webhookLimit := stdlib.NewMiddleware(limiter.New(s.opts.RateStore, rate))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/webhook/whatsapp", func(wh chi.Router) {
		wh.Use(webhookLimit.Handler)
		wh.Get("/", s.verifyWebhook)
		wh.Post("/", s.receiveWebhook)
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/chat", s.chat)
		api.Post("/leads", s.createLead)
		api.Post("/appointments", s.bookVisit)

		api.Route("/admin", func(admin chi.Router) {
			admin.Post("/leads/{id}/score", s.recalculateScore)
			admin.Post("/leads/{id}/suggestions", s.sendSuggestions)
			admin.Post("/scores/recalculate", s.recalculateAll)
			admin.Get("/kanban", s.board)
			admin.Post("/kanban/move", s.moveLead)
			admin.Get("/bot-sessions", s.botSessions)
		})
	})
	return r, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error serving http: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			defer func() {
				logger.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(started)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
