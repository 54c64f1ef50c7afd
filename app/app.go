package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stonearbor/stonearbor/internal/auth"
	"github.com/stonearbor/stonearbor/internal/config"
	"github.com/stonearbor/stonearbor/internal/db"
	"github.com/stonearbor/stonearbor/internal/email"
	"github.com/stonearbor/stonearbor/internal/handlers"
	"github.com/stonearbor/stonearbor/internal/ledger"
	"github.com/stonearbor/stonearbor/internal/paypal"
	"github.com/stonearbor/stonearbor/internal/risk"
	"github.com/stonearbor/stonearbor/internal/services"
)

type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	DB          *pgxpool.Pool
	LedgerStore ledger.Store
	Handlers    *handlers.Handlers
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	database, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	ledgerStore, err := ledger.NewStore(ledger.Config{
		Provider:              cfg.LedgerProvider,
		RedisConnectionString: cfg.RedisConnectionString,
		Capacity:              cfg.LedgerCapacity,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize webhook ledger: %w", err)
	}

	rules := risk.DefaultRules()
	if cfg.RiskRulesPath != "" {
		rules, err = risk.LoadRules(cfg.RiskRulesPath)
		if err != nil {
			closeLedgerStore(logger, ledgerStore)
			database.Close()
			return nil, fmt.Errorf("failed to load risk rules: %w", err)
		}
	}

	gateway, err := paypal.NewClient(paypal.Config{
		ClientID:     cfg.PayPalClientID,
		ClientSecret: cfg.PayPalClientSecret,
		Mode:         cfg.PayPalMode,
		Timeout:      cfg.GatewayTimeout,
	}, logger.With("component", "paypal_client"))
	if err != nil {
		closeLedgerStore(logger, ledgerStore)
		database.Close()
		return nil, fmt.Errorf("failed to initialize payment gateway: %w", err)
	}

	emailSender, err := newEmailSender(cfg)
	if err != nil {
		closeLedgerStore(logger, ledgerStore)
		database.Close()
		return nil, fmt.Errorf("failed to initialize email provider: %w", err)
	}

	orderStore := db.NewOrderStore(database)
	userStore := db.NewUserStore(database)
	riskEngine := risk.NewEngine(rules, logger.With("component", "risk_engine"))

	paymentService := services.NewPaymentService(
		orderStore,
		userStore,
		gateway,
		riskEngine,
		emailSender,
		cfg.PaymentSigningSecret,
		cfg.Currency,
		logger.With("component", "payment_service"),
	)
	paypalService := services.NewPayPalService(orderStore, userStore, emailSender, logger.With("component", "paypal_service"))
	paypalRouter := handlers.NewPayPalEventRouter(paypalService, logger.With("component", "paypal_router"))
	healthService := services.NewPaymentHealthService(orderStore)
	authMiddleware := auth.NewMiddleware(cfg.AuthTokenSecret, logger.With("component", "auth"))

	h, err := handlers.New(handlers.Dependencies{
		Config:         cfg,
		DB:             database,
		PaymentService: paymentService,
		HealthService:  healthService,
		PayPalRouter:   paypalRouter,
		LedgerStore:    ledgerStore,
		AuthMiddleware: authMiddleware,
		Logger:         logger,
	})
	if err != nil {
		closeLedgerStore(logger, ledgerStore)
		database.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	return &App{
		Config:      cfg,
		Logger:      logger,
		DB:          database,
		LedgerStore: ledgerStore,
		Handlers:    h,
	}, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.LedgerStore != nil {
		closeLedgerStore(a.Logger, a.LedgerStore)
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// newEmailSender returns nil when no provider is configured; the
// services fall back to a no-op sender and payments proceed without
// notifications.
func newEmailSender(cfg *config.Config) (services.OrderEmailSender, error) {
	if cfg.EmailProvider == "" {
		return nil, nil
	}
	provider, err := email.NewProvider(email.Config{
		Provider: cfg.EmailProvider,
		APIKey:   cfg.EmailAPIKey,
		From:     cfg.EmailFrom,
		Domain:   cfg.EmailDomain,
	})
	if err != nil {
		return nil, err
	}
	return services.NewProviderOrderEmailSender(provider), nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	format := strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text", "":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level: cfg.LogLevel,
		}))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel}))
}

func closeLedgerStore(logger *slog.Logger, store ledger.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil && logger != nil {
		logger.Warn("failed to close webhook ledger", "error", err)
	}
}
