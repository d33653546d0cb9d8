package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/xaenox/imob-leadbot/internal/actions"
	"github.com/xaenox/imob-leadbot/internal/bot"
	"github.com/xaenox/imob-leadbot/internal/conversation"
	"github.com/xaenox/imob-leadbot/internal/dedupe"
	"github.com/xaenox/imob-leadbot/internal/dialogue"
	"github.com/xaenox/imob-leadbot/internal/kanban"
	"github.com/xaenox/imob-leadbot/internal/leads"
	"github.com/xaenox/imob-leadbot/internal/messaging"
	"github.com/xaenox/imob-leadbot/internal/models"
	"github.com/xaenox/imob-leadbot/internal/scoring"
	"github.com/xaenox/imob-leadbot/internal/server"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"github.com/xaenox/imob-leadbot/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := os.Getenv("LEADBOT_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger, _ := zap.NewProduction()
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	// Initialize logger
	logger := newLogger(cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := newStore(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	if err := storage.Seed(ctx, store, storage.SeedOptions{AIProvider: cfg.AI.Provider, AIModel: modelFor(cfg)}, logger); err != nil {
		logger.Fatal("Failed to seed storage", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = newRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err), zap.String("addr", cfg.Redis.Addr))
		}
		defer rdb.Close()
	}

	registry, closeRegistry, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize completion backends", zap.Error(err))
	}
	defer closeRegistry()

	pipeline := kanban.NewPipeline(store, logger)
	scorer := scoring.NewEngine(store, cfg.Scoring.Concurrency, logger)
	conversations := conversation.NewManager(store, logger)
	engine := dialogue.NewEngine(registry, store, dialogue.Config{
		InventoryLimit: cfg.Inventory.Limit,
		MaxTokens:      cfg.AI.MaxTokens,
		Temperature:    cfg.AI.Temperature,
		SiteURL:        cfg.SiteURL,
		Cost:           costModel(cfg.Cost),
	}, logger)
	executor := actions.NewExecutor(store, pipeline, scorer, logger)
	gateway := newGateway(cfg.WhatsApp, logger)

	var deduper dedupe.Deduper = dedupe.NewMemoryDeduper(cfg.Dedupe.TTL)
	if rdb != nil {
		deduper = dedupe.NewRedisDeduper(rdb, "leadbot", cfg.Dedupe.TTL)
	}

	opts := []bot.Option{
		bot.WithDeduper(deduper),
		bot.WithTurnTimeout(cfg.AI.TurnTimeout),
		bot.WithDeliverer(models.ChannelWhatsApp, gateway),
	}

	var telegram *tgbotapi.BotAPI
	if cfg.Telegram.Token != "" {
		telegram, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal("Failed to create telegram bot", zap.Error(err))
		}
		logger.Info("Authorized on telegram", zap.String("username", telegram.Self.UserName))
		opts = append(opts, bot.WithDeliverer(models.ChannelTelegram, messaging.NewTelegramSender(telegram)))
	}

	service := bot.NewService(store, conversations, engine, executor, logger, opts...)
	intake := leads.NewService(store, pipeline, scorer, gateway, leads.Config{
		AdminPhone: cfg.WhatsApp.AdminPhone,
		SiteURL:    cfg.SiteURL,
		BrandName:  cfg.BrandName,
	}, logger)

	rateStore, err := newRateStore(rdb)
	if err != nil {
		logger.Fatal("Failed to create rate limit store", zap.Error(err))
	}

	srv, err := server.New(server.Options{
		Addr:           cfg.Server.Addr,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		VerifyToken:    cfg.WhatsApp.VerifyToken,
		WebhookRate:    cfg.RateLimit.Webhook,
		RateStore:      rateStore,
	}, server.Deps{
		Inbound:  service,
		Leads:    intake,
		Scorer:   scorer,
		Board:    pipeline,
		Sessions: conversations,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create http server", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if telegram != nil {
		poller := bot.NewTelegramPoller(telegram, service, logger)
		g.Go(func() error { return poller.Start(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
		return
	}
	logger.Info("Service stopped")
}
