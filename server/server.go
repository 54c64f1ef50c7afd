package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stonearbor/stonearbor/internal/config"
	"github.com/stonearbor/stonearbor/internal/handlers"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	router := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) buildRouter() *mux.Router {
	h := s.handlers
	guard := h.AuthMiddleware()

	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.MetricsContext)
	r.Use(h.SecurityHeaders)
	r.HandleFunc("/health", h.Health).Methods("GET").Name("health")

	// Provider webhooks carry their own authenticity checks and must not
	// sit behind user auth.
	r.HandleFunc("/webhooks/paypal", h.PayPalWebhook).Methods("POST").Name("webhooks.paypal")

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(guard.RequireUser)
	apiRouter.HandleFunc("/payments/orders", h.CreateOrder).Methods("POST").Name("api.payments.orders")
	apiRouter.HandleFunc("/payments/verify", h.VerifyPayment).Methods("POST").Name("api.payments.verify")
	apiRouter.HandleFunc("/orders", h.ListOrders).Methods("GET").Name("api.orders")
	apiRouter.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET").Name("api.orders.get")

	adminRouter := r.PathPrefix("/admin").Subrouter()
	adminRouter.Use(guard.RequireAdmin)
	adminRouter.HandleFunc("/orders/{id}/delivery", h.UpdateDelivery).Methods("POST").Name("admin.orders.delivery")
	adminRouter.HandleFunc("/payments/health", h.PaymentHealth).Methods("GET").Name("admin.payments.health")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})

	return r
}
