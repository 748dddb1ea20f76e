// Package config reads the bursar service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"invoicing/api_collections/internal/feesplit"
	"invoicing/api_collections/internal/gateway"
	"invoicing/api_collections/internal/handlers"
	"invoicing/api_collections/internal/jobs"
	envconfig "invoicing/pkg/config"
	"invoicing/pkg/money"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the service configuration.
type Config struct {
	Port  string
	Store string

	DatabaseURL string
	APIToken    string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBase       string
	PlatformFeeBps      int
	GatewayTimeout      time.Duration
	Currency            string

	ConnectReturnURL  string
	ConnectRefreshURL string

	SessionTTL             time.Duration
	MaxSessions            int
	AccountRefreshInterval time.Duration

	KafkaBrokers  []string
	PaymentsTopic string

	SlackBotToken  string
	SlackChannelID string
}

// Load reads the environment. Call pkg/config.LoadEnv first to pick up .env files.
func Load() (Config, error) {
	cfg := Config{
		Port:                   envconfig.GetEnv("PORT", "18020"),
		Store:                  strings.ToLower(envconfig.GetEnv("STORE", StorePostgres)),
		DatabaseURL:            envconfig.GetEnv("DATABASE_URL", ""),
		APIToken:               envconfig.GetEnv("API_TOKEN", ""),
		StripeSecretKey:        envconfig.GetEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:    envconfig.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeAPIBase:          envconfig.GetEnv("STRIPE_API_BASE", ""),
		PlatformFeeBps:         envconfig.GetEnvInt("PLATFORM_FEE_BPS", feesplit.DefaultRateBps),
		GatewayTimeout:         envconfig.GetEnvDuration("GATEWAY_TIMEOUT", gateway.DefaultTimeout),
		Currency:               money.DefaultCurrency(),
		ConnectReturnURL:       envconfig.GetEnv("CONNECT_RETURN_URL", ""),
		ConnectRefreshURL:      envconfig.GetEnv("CONNECT_REFRESH_URL", ""),
		SessionTTL:             envconfig.GetEnvDuration("SESSION_TTL", handlers.DefaultSessionTTL),
		MaxSessions:            envconfig.GetEnvInt("MAX_SESSIONS", 10000),
		AccountRefreshInterval: envconfig.GetEnvDuration("ACCOUNT_REFRESH_INTERVAL", jobs.DefaultAccountRefreshInterval),
		KafkaBrokers:           envconfig.GetEnvList("KAFKA_BROKERS"),
		PaymentsTopic:          envconfig.GetEnv("PAYMENTS_TOPIC", "collections.payments"),
		SlackBotToken:          envconfig.GetEnv("SLACK_BOT_TOKEN", ""),
		SlackChannelID:         envconfig.GetEnv("SLACK_CHANNEL_ID", ""),
	}
	return cfg, cfg.Validate()
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE=postgres"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > feesplit.MaxRateBps {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and %d, got %d", feesplit.MaxRateBps, c.PlatformFeeBps))
	}
	if c.SlackBotToken != "" && c.SlackChannelID == "" {
		errs = append(errs, errors.New("SLACK_CHANNEL_ID is required when SLACK_BOT_TOKEN is set"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled reports whether reconciled payments are published to Kafka.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// SlackEnabled reports whether reconciled payments are posted to Slack.
func (c Config) SlackEnabled() bool {
	return c.SlackBotToken != ""
}

// Required maps the settings the configuration health check expects to be non-empty.
func (c Config) Required() map[string]string {
	required := map[string]string{
		"API_TOKEN":             c.APIToken,
		"STRIPE_SECRET_KEY":     c.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
	}
	if c.Store == StorePostgres {
		required["DATABASE_URL"] = c.DatabaseURL
	}
	return required
}
