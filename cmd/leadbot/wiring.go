package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/xaenox/imob-leadbot/internal/dialogue"
	"github.com/xaenox/imob-leadbot/internal/messaging"
	"github.com/xaenox/imob-leadbot/internal/storage"
	"github.com/xaenox/imob-leadbot/pkg/config"
	"go.uber.org/zap"
)

func newLogger(cfg config.LogConfig) *zap.Logger {
	newFn := zap.NewProduction
	if cfg.Development {
		newFn = zap.NewDevelopment
	}
	logger, err := newFn()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newStore(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	if cfg.UseInMemory {
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}
	logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Host), zap.String("database", cfg.DBName))
	return storage.NewPostgresStorage(storage.DatabaseConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.DBName,
		SSLMode:  cfg.SSLMode,
	}, logger)
}

func newRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// newRateStore shares webhook limits across replicas when Redis is
// available. A nil store makes the server fall back to process memory.
func newRateStore(rdb *redis.Client) (limiter.Store, error) {
	if rdb == nil {
		return nil, nil
	}
	return sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{
		Prefix:   "leadbot:ratelimit",
		MaxRetry: 3,
	})
}

// newRegistry registers every completion backend that has credentials. The
// returned func releases backend clients.
func newRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dialogue.Registry, func(), error) {
	registry := dialogue.NewRegistry(cfg.AI.Provider)
	closeFn := func() {}

	if cfg.OpenAI.APIKey != "" {
		registry.Register("openai", dialogue.NewOpenAICompleter(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger))
	}
	if cfg.Gemini.APIKey != "" {
		gemini, err := dialogue.NewGeminiCompleter(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
		if err != nil {
			return nil, closeFn, err
		}
		registry.Register("gemini", gemini)
		closeFn = func() {
			if err := gemini.Close(); err != nil {
				logger.Warn("Failed to close gemini client", zap.Error(err))
			}
		}
	}
	if _, _, ok := registry.For(cfg.AI.Provider); !ok {
		return nil, closeFn, fmt.Errorf("no credentials for completion provider %q", cfg.AI.Provider)
	}
	return registry, closeFn, nil
}

func modelFor(cfg *config.Config) string {
	if cfg.AI.Provider == "gemini" {
		return cfg.Gemini.Model
	}
	return cfg.OpenAI.Model
}

func costModel(cfg config.CostConfig) dialogue.CostModel {
	return dialogue.CostModel{
		InputPerMillion:  decimal.NewFromFloat(cfg.InputPerMillion),
		OutputPerMillion: decimal.NewFromFloat(cfg.OutputPerMillion),
	}
}

// newGateway builds the outbound WhatsApp providers in configured order,
// skipping any without credentials.
func newGateway(cfg config.WhatsAppConfig, logger *zap.Logger) *messaging.Gateway {
	var senders []messaging.Sender
	for _, name := range cfg.Providers {
		switch name {
		case "meta":
			if cfg.Meta.AccessToken == "" || cfg.Meta.PhoneNumberID == "" {
				continue
			}
			senders = append(senders, messaging.NewMetaSender(messaging.MetaConfig{
				BaseURL:       cfg.Meta.BaseURL,
				Version:       cfg.Meta.Version,
				AccessToken:   cfg.Meta.AccessToken,
				PhoneNumberID: cfg.Meta.PhoneNumberID,
			}, nil))
		case "evolution":
			if cfg.Evolution.APIURL == "" || cfg.Evolution.APIKey == "" {
				continue
			}
			senders = append(senders, messaging.NewEvolutionSender(messaging.EvolutionConfig{
				APIURL:   cfg.Evolution.APIURL,
				APIKey:   cfg.Evolution.APIKey,
				Instance: cfg.Evolution.Instance,
			}, nil))
		case "ultramsg":
			if cfg.UltraMsg.InstanceID == "" || cfg.UltraMsg.Token == "" {
				continue
			}
			senders = append(senders, messaging.NewUltraMsgSender(messaging.UltraMsgConfig{
				BaseURL:    cfg.UltraMsg.BaseURL,
				InstanceID: cfg.UltraMsg.InstanceID,
				Token:      cfg.UltraMsg.Token,
			}, nil))
		case "callmebot":
			if cfg.CallMeBot.APIKey == "" {
				continue
			}
			senders = append(senders, messaging.NewCallMeBotSender(messaging.CallMeBotConfig{
				BaseURL: cfg.CallMeBot.BaseURL,
				APIKey:  cfg.CallMeBot.APIKey,
			}, nil))
		default:
			logger.Warn("Unknown whatsapp provider", zap.String("provider", name))
		}
	}

	gateway := messaging.NewGateway(senders, logger)
	if len(senders) == 0 {
		logger.Warn("No whatsapp provider configured, replies will not be delivered")
	} else {
		logger.Info("WhatsApp gateway ready", zap.Strings("providers", gateway.Providers()))
	}
	return gateway
}
