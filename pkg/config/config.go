package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AI        AIConfig        `mapstructure:"ai"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
	Inventory InventoryConfig `mapstructure:"inventory"`
	Cost      CostConfig      `mapstructure:"cost"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Dedupe    DedupeConfig    `mapstructure:"dedupe"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Log       LogConfig       `mapstructure:"log"`
	SiteURL   string          `mapstructure:"site_url"`
	BrandName string          `mapstructure:"brand_name"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type AIConfig struct {
	Provider    string        `mapstructure:"provider"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type WhatsAppConfig struct {
	VerifyToken string `mapstructure:"verify_token"`
	AdminPhone  string `mapstructure:"admin_phone"`
	// Providers lists the outbound providers in the order they are tried.
	Providers []string        `mapstructure:"providers"`
	Meta      MetaConfig      `mapstructure:"meta"`
	Evolution EvolutionConfig `mapstructure:"evolution"`
	UltraMsg  UltraMsgConfig  `mapstructure:"ultramsg"`
	CallMeBot CallMeBotConfig `mapstructure:"callmebot"`
}

type MetaConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Version       string `mapstructure:"version"`
	AccessToken   string `mapstructure:"access_token"`
	PhoneNumberID string `mapstructure:"phone_number_id"`
}

type EvolutionConfig struct {
	APIURL   string `mapstructure:"api_url"`
	APIKey   string `mapstructure:"api_key"`
	Instance string `mapstructure:"instance"`
}

type UltraMsgConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	InstanceID string `mapstructure:"instance_id"`
	Token      string `mapstructure:"token"`
}

type CallMeBotConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type InventoryConfig struct {
	Limit int `mapstructure:"limit"`
}

// CostConfig holds completion prices in USD per million tokens.
type CostConfig struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

type RateLimitConfig struct {
	// Webhook uses the limiter format "<limit>-<period>", e.g. "60-M".
	Webhook string `mapstructure:"webhook"`
}

type DedupeConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type ScoringConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.max_tokens", 2048)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.turn_timeout", 60*time.Second)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("gemini.model", "gemini-1.5-flash")

	v.SetDefault("whatsapp.providers", []string{"meta", "evolution", "ultramsg"})
	v.SetDefault("whatsapp.meta.base_url", "https://graph.facebook.com")
	v.SetDefault("whatsapp.meta.version", "v18.0")
	v.SetDefault("whatsapp.ultramsg.base_url", "https://api.ultramsg.com")
	v.SetDefault("whatsapp.callmebot.base_url", "https://api.callmebot.com")

	v.SetDefault("inventory.limit", 50)
	v.SetDefault("cost.input_per_million", 3.0)
	v.SetDefault("cost.output_per_million", 15.0)
	v.SetDefault("rate_limit.webhook", "120-M")
	v.SetDefault("dedupe.ttl", 24*time.Hour)
	v.SetDefault("scoring.concurrency", 4)
}

// envOverrides maps conventional deployment variables onto config keys.
var envOverrides = map[string]string{
	"TELEGRAM_TOKEN":           "telegram.token",
	"OPENAI_API_KEY":           "openai.api_key",
	"GEMINI_API_KEY":           "gemini.api_key",
	"AI_PROVIDER":              "ai.provider",
	"REDIS_ADDR":               "redis.addr",
	"REDIS_PASSWORD":           "redis.password",
	"WHATSAPP_VERIFY_TOKEN":    "whatsapp.verify_token",
	"WHATSAPP_ACCESS_TOKEN":    "whatsapp.meta.access_token",
	"WHATSAPP_PHONE_NUMBER_ID": "whatsapp.meta.phone_number_id",
	"EVOLUTION_API_URL":        "whatsapp.evolution.api_url",
	"EVOLUTION_API_KEY":        "whatsapp.evolution.api_key",
	"EVOLUTION_INSTANCE":       "whatsapp.evolution.instance",
	"ULTRAMSG_INSTANCE_ID":     "whatsapp.ultramsg.instance_id",
	"ULTRAMSG_TOKEN":           "whatsapp.ultramsg.token",
	"ULTRAMSG_ADMIN_PHONE":     "whatsapp.admin_phone",
	"CALLMEBOT_API_KEY":        "whatsapp.callmebot.api_key",
	"SITE_URL":                 "site_url",
	"LEADBOT_USE_IN_MEMORY_DB": "database.use_in_memory",
	"LEADBOT_SERVER_ADDR":      "server.addr",
}

// LoadConfig reads path (when it exists), then .env and the process
// environment. Environment values win.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	for env, key := range envOverrides {
		if val, ok := os.LookupEnv(env); ok && val != "" {
			v.Set(key, val)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.UseInMemory = config.Database.UseInMemory
		config.Database = dbConfig
	}

	return &config, nil
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
