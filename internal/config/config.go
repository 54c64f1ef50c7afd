package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`

	PayPalClientID     string `env:"PAYPAL_CLIENT_ID,required" validate:"required"`
	PayPalClientSecret string `env:"PAYPAL_CLIENT_SECRET,required" validate:"required"`
	PayPalMode         string `env:"PAYPAL_MODE" envDefault:"sandbox" validate:"omitempty,oneof=sandbox live"`

	PaymentSigningSecret string `env:"PAYMENT_SIGNING_SECRET,required" validate:"required,min=16"`
	AuthTokenSecret      string `env:"AUTH_TOKEN_SECRET,required" validate:"required,min=16"`

	Currency       string        `env:"CURRENCY" envDefault:"INR" validate:"required,len=3"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`

	LedgerProvider        string `env:"LEDGER_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	LedgerCapacity        int    `env:"LEDGER_CAPACITY" envDefault:"1000" validate:"gt=0"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=LedgerProvider redis"`

	EmailProvider string `env:"EMAIL_PROVIDER" validate:"omitempty,oneof=postmark mailgun resend"`
	EmailAPIKey   string `env:"EMAIL_API_KEY"`
	EmailFrom     string `env:"EMAIL_FROM" validate:"required_with=EmailProvider"`
	EmailDomain   string `env:"EMAIL_DOMAIN"` // For Mailgun

	// RiskRulesPath optionally points at a YAML file overriding the
	// built-in risk thresholds.
	RiskRulesPath string `env:"RISK_RULES_PATH"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	Port      string     `env:"PORT" envDefault:"8080"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	hasProvider := strings.TrimSpace(c.EmailProvider) != ""
	hasAPIKey := strings.TrimSpace(c.EmailAPIKey) != ""
	if hasProvider && !hasAPIKey {
		return fmt.Errorf("EMAIL_API_KEY is required when EMAIL_PROVIDER is set")
	}
	if c.EmailProvider == "mailgun" && strings.TrimSpace(c.EmailDomain) == "" {
		return fmt.Errorf("EMAIL_DOMAIN is required when EMAIL_PROVIDER is mailgun")
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}

	return nil
}
