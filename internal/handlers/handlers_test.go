package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stonearbor/stonearbor/internal/auth"
	"github.com/stonearbor/stonearbor/internal/db"
	"github.com/stonearbor/stonearbor/internal/ledger"
	"github.com/stonearbor/stonearbor/internal/models"
	"github.com/stonearbor/stonearbor/internal/paypal"
	"github.com/stonearbor/stonearbor/internal/risk"
	"github.com/stonearbor/stonearbor/internal/services"
)

const testSigningSecret = "handler-signing-secret"

// stubOrderStore keeps orders in memory with the same conditional
// transitions as the SQL store, so handler tests exercise real status
// guard behavior.
type stubOrderStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
}

func newStubOrderStore() *stubOrderStore {
	return &stubOrderStore{orders: make(map[uuid.UUID]*models.Order)}
}

func (s *stubOrderStore) Create(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.CreatedAt = time.Now()
	clone := *order
	s.orders[order.ID] = &clone
	return nil
}

func (s *stubOrderStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	clone := *order
	return &clone, nil
}

func (s *stubOrderStore) GetByProviderOrderID(ctx context.Context, providerOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.ProviderOrderID == providerOrderID {
			clone := *order
			return &clone, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *stubOrderStore) GetByCaptureID(ctx context.Context, captureID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCapture(captureID)
	if !ok {
		return nil, db.ErrNotFound
	}
	clone := *s.orders[id]
	return &clone, nil
}

func (s *stubOrderStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []*models.Order
	for _, order := range s.orders {
		if order.UserID == userID {
			clone := *order
			orders = append(orders, &clone)
		}
	}
	return orders, nil
}

func (s *stubOrderStore) ListRecentByUserAndAmount(ctx context.Context, userID uuid.UUID, amount int64, since time.Time) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orders []*models.Order
	for _, order := range s.orders {
		if order.UserID != userID || order.Amount != amount || order.CreatedAt.Before(since) {
			continue
		}
		switch order.Status {
		case models.StatusCreated, models.StatusApproved, models.StatusPaid:
			clone := *order
			orders = append(orders, &clone)
		}
	}
	return orders, nil
}

func (s *stubOrderStore) transition(id uuid.UUID, allowed []models.OrderStatus, apply func(*models.Order)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if ok {
		for _, status := range allowed {
			if order.Status == status {
				apply(order)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: stub store", db.ErrInvalidStatusTransition)
}

func (s *stubOrderStore) MarkApproved(ctx context.Context, id uuid.UUID, eventID string) error {
	return s.transition(id, []models.OrderStatus{models.StatusCreated}, func(o *models.Order) {
		o.Status = models.StatusApproved
		o.LastEventID = eventID
	})
}

func (s *stubOrderStore) MarkPaid(ctx context.Context, id uuid.UUID, captureID, eventID string) error {
	return s.transition(id, []models.OrderStatus{models.StatusCreated, models.StatusApproved}, func(o *models.Order) {
		o.Status = models.StatusPaid
		if captureID != "" {
			o.CaptureID = captureID
		}
		o.LastEventID = eventID
	})
}

func (s *stubOrderStore) MarkFailed(ctx context.Context, id uuid.UUID, reason, eventID string) error {
	return s.transition(id, []models.OrderStatus{models.StatusCreated, models.StatusApproved}, func(o *models.Order) {
		o.Status = models.StatusFailed
		o.FailureReason = reason
		o.LastEventID = eventID
	})
}

func (s *stubOrderStore) MarkCancelled(ctx context.Context, id uuid.UUID, eventID string) error {
	return s.transition(id, []models.OrderStatus{models.StatusCreated, models.StatusApproved}, func(o *models.Order) {
		o.Status = models.StatusCancelled
		o.LastEventID = eventID
	})
}

func (s *stubOrderStore) byCapture(captureID string) (uuid.UUID, bool) {
	for id, order := range s.orders {
		if order.CaptureID == captureID {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (s *stubOrderStore) MarkRefundedByCapture(ctx context.Context, captureID, eventID string) error {
	s.mu.Lock()
	id, ok := s.byCapture(captureID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stub store", db.ErrInvalidStatusTransition)
	}
	return s.transition(id, []models.OrderStatus{models.StatusPaid}, func(o *models.Order) {
		o.Status = models.StatusRefunded
		o.LastEventID = eventID
	})
}

func (s *stubOrderStore) MarkReversedByCapture(ctx context.Context, captureID, eventID string) error {
	s.mu.Lock()
	id, ok := s.byCapture(captureID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stub store", db.ErrInvalidStatusTransition)
	}
	return s.transition(id, []models.OrderStatus{models.StatusPaid, models.StatusRefunded}, func(o *models.Order) {
		o.Status = models.StatusReversed
		o.LastEventID = eventID
	})
}

func (s *stubOrderStore) UpdateDelivery(ctx context.Context, id uuid.UUID, status models.DeliveryStatus, trackingNumber string) error {
	return s.transition(id, []models.OrderStatus{models.StatusPaid}, func(o *models.Order) {
		o.DeliveryStatus = status
		if trackingNumber != "" {
			o.TrackingNumber = trackingNumber
		}
	})
}

func (s *stubOrderStore) StatsSince(ctx context.Context, since time.Time) (*db.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &db.Stats{}
	for _, order := range s.orders {
		if order.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		switch order.Status {
		case models.StatusPaid:
			stats.Paid++
		case models.StatusFailed:
			stats.Failed++
		case models.StatusCreated:
			stats.Created++
		case models.StatusRefunded:
			stats.Refunded++
		case models.StatusReversed:
			stats.Reversed++
		case models.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

type stubUserStore struct {
	users map[uuid.UUID]*models.User
}

func (s *stubUserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return user, nil
}

type stubGateway struct {
	mu      sync.Mutex
	created int
}

func (s *stubGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*paypal.RemoteOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	return &paypal.RemoteOrder{
		ID:       fmt.Sprintf("PAY-%d", s.created),
		Status:   "CREATED",
		Amount:   amount,
		Currency: currency,
	}, nil
}

func (s *stubGateway) VerifyOrder(ctx context.Context, providerOrderID string, expectedAmount int64, expectedCurrency string) (*paypal.RemoteOrder, error) {
	return &paypal.RemoteOrder{ID: providerOrderID, Status: "APPROVED", Amount: expectedAmount, Currency: expectedCurrency}, nil
}

type handlerFixture struct {
	handlers *Handlers
	store    *stubOrderStore
	userID   uuid.UUID
}

func newHandlerFixture() *handlerFixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := newStubOrderStore()
	userID := uuid.New()
	users := &stubUserStore{users: map[uuid.UUID]*models.User{
		userID: {ID: userID, Name: "Asha Pillai", Email: "asha@example.com"},
	}}

	engine := risk.NewEngine(risk.DefaultRules(), logger)
	paymentService := services.NewPaymentService(store, users, &stubGateway{}, engine, nil, testSigningSecret, "INR", logger)
	paypalService := services.NewPayPalService(store, users, nil, logger)

	h := &Handlers{
		paymentService: paymentService,
		healthService:  services.NewPaymentHealthService(store),
		paypalRouter:   NewPayPalEventRouter(paypalService, logger),
		ledgerStore:    ledger.NewMemoryStore(0),
		authMiddleware: auth.NewMiddleware(testSigningSecret, logger),
		logger:         logger,
	}

	return &handlerFixture{handlers: h, store: store, userID: userID}
}

func (fx *handlerFixture) identityCtx(ctx context.Context) context.Context {
	return auth.WithIdentity(ctx, &auth.Identity{
		UserID: fx.userID,
		Email:  "asha@example.com",
		Name:   "Asha Pillai",
	})
}
