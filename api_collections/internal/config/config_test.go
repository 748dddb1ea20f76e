package config

import (
	"strings"
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE", "memory")
	t.Setenv("API_TOKEN", "token")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BILLING_CURRENCY", "")
	t.Setenv("PLATFORM_FEE_BPS", "")
	t.Setenv("GATEWAY_TIMEOUT", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("SLACK_BOT_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PlatformFeeBps != 200 {
		t.Fatalf("expected default fee 200 bps, got %d", cfg.PlatformFeeBps)
	}
	if cfg.GatewayTimeout != 15*time.Second {
		t.Fatalf("expected default gateway timeout 15s, got %s", cfg.GatewayTimeout)
	}
	if cfg.Currency != "USD" {
		t.Fatalf("expected USD, got %q", cfg.Currency)
	}
	if cfg.KafkaEnabled() || cfg.SlackEnabled() {
		t.Fatal("notifiers should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PLATFORM_FEE_BPS", "350")
	t.Setenv("GATEWAY_TIMEOUT", "5s")
	t.Setenv("BILLING_CURRENCY", "eur")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-1")
	t.Setenv("SLACK_CHANNEL_ID", "C123")
	t.Setenv("STRIPE_API_BASE", "http://localhost:12111")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PlatformFeeBps != 350 || cfg.GatewayTimeout != 5*time.Second || cfg.Currency != "EUR" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if !cfg.KafkaEnabled() || !cfg.SlackEnabled() {
		t.Fatal("expected both notifiers enabled")
	}
	if cfg.StripeAPIBase != "http://localhost:12111" {
		t.Fatalf("unexpected Stripe API base %q", cfg.StripeAPIBase)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Config{Store: StorePostgres, PlatformFeeBps: 10001, SlackBotToken: "xoxb-1"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DATABASE_URL", "API_TOKEN", "STRIPE_SECRET_KEY", "PLATFORM_FEE_BPS", "SLACK_CHANNEL_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err)
		}
	}
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	cfg := Config{Store: "sqlite", APIToken: "t", StripeSecretKey: "sk"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "STORE") {
		t.Fatalf("expected STORE error, got %v", err)
	}
}

func TestRequiredOnlyAsksForDatabaseWithPostgres(t *testing.T) {
	if _, ok := (Config{Store: StoreMemory}).Required()["DATABASE_URL"]; ok {
		t.Fatal("memory store should not require DATABASE_URL")
	}
	if _, ok := (Config{Store: StorePostgres}).Required()["DATABASE_URL"]; !ok {
		t.Fatal("postgres store should require DATABASE_URL")
	}
}
