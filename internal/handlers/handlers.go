// Package handlers provides the storefront's JSON API surface.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stonearbor/stonearbor/internal/auth"
	"github.com/stonearbor/stonearbor/internal/config"
	"github.com/stonearbor/stonearbor/internal/ledger"
	"github.com/stonearbor/stonearbor/internal/logging"
	"github.com/stonearbor/stonearbor/internal/services"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MB

// Handlers provides HTTP request handlers for the payments API.
type Handlers struct {
	config         *config.Config
	db             *pgxpool.Pool
	paymentService *services.PaymentService
	healthService  *services.PaymentHealthService
	paypalRouter   *PayPalEventRouter
	ledgerStore    ledger.Store
	authMiddleware *auth.Middleware
	logger         *slog.Logger
}

type Dependencies struct {
	Config         *config.Config
	DB             *pgxpool.Pool
	PaymentService *services.PaymentService
	HealthService  *services.PaymentHealthService
	PayPalRouter   *PayPalEventRouter
	LedgerStore    ledger.Store
	AuthMiddleware *auth.Middleware
	Logger         *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.PaymentService == nil {
		return nil, fmt.Errorf("handlers dependencies: paymentService is required")
	}
	if deps.HealthService == nil {
		return nil, fmt.Errorf("handlers dependencies: healthService is required")
	}
	if deps.PayPalRouter == nil {
		return nil, fmt.Errorf("handlers dependencies: paypalRouter is required")
	}
	if deps.LedgerStore == nil {
		return nil, fmt.Errorf("handlers dependencies: ledgerStore is required")
	}
	if deps.AuthMiddleware == nil {
		return nil, fmt.Errorf("handlers dependencies: authMiddleware is required")
	}

	return &Handlers{
		config:         deps.Config,
		db:             deps.DB,
		paymentService: deps.PaymentService,
		healthService:  deps.HealthService,
		paypalRouter:   deps.PayPalRouter,
		ledgerStore:    deps.LedgerStore,
		authMiddleware: deps.AuthMiddleware,
		logger:         logger,
	}, nil
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

// AuthMiddleware exposes the JWT guards for route wiring.
func (h *Handlers) AuthMiddleware() *auth.Middleware {
	return h.authMiddleware
}

// Health is the liveness probe: process up, database reachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.loggerFromContext(r.Context()).Error("health check database ping failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}
