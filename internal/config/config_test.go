package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/stonearbor")
	t.Setenv("PAYPAL_CLIENT_ID", "client-id")
	t.Setenv("PAYPAL_CLIENT_SECRET", "client-secret")
	t.Setenv("PAYMENT_SIGNING_SECRET", "0123456789abcdef")
	t.Setenv("AUTH_TOKEN_SECRET", "fedcba9876543210")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PayPalMode != "sandbox" {
		t.Fatalf("PayPalMode = %s, want sandbox", cfg.PayPalMode)
	}
	if cfg.Currency != "INR" {
		t.Fatalf("Currency = %s, want INR", cfg.Currency)
	}
	if cfg.GatewayTimeout != 15*time.Second {
		t.Fatalf("GatewayTimeout = %s, want 15s", cfg.GatewayTimeout)
	}
	if cfg.LedgerProvider != "memory" {
		t.Fatalf("LedgerProvider = %s, want memory", cfg.LedgerProvider)
	}
	if cfg.LedgerCapacity != 1000 {
		t.Fatalf("LedgerCapacity = %d, want 1000", cfg.LedgerCapacity)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %s, want 8080", cfg.Port)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYMENT_SIGNING_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted an empty signing secret")
	}
}

func TestLoadRejectsShortSigningSecret(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYMENT_SIGNING_SECRET", "short")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted a short signing secret")
	}
}

func TestLoadRejectsMailgunWithoutDomain(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EMAIL_PROVIDER", "mailgun")
	t.Setenv("EMAIL_API_KEY", "key")
	t.Setenv("EMAIL_FROM", "orders@stonearbor.example")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted mailgun without EMAIL_DOMAIN")
	}
}

func TestLoadRejectsUnknownEmailProvider(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EMAIL_PROVIDER", "sendpigeon")
	t.Setenv("EMAIL_API_KEY", "key")
	t.Setenv("EMAIL_FROM", "orders@stonearbor.example")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted an unknown email provider")
	}
}
