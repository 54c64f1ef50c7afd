package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stonearbor/stonearbor/internal/crypto"
	"github.com/stonearbor/stonearbor/internal/db"
	"github.com/stonearbor/stonearbor/internal/models"
	"github.com/stonearbor/stonearbor/internal/paypal"
	"github.com/stonearbor/stonearbor/internal/risk"
)

// fakeOrderStore mirrors the conditional-transition semantics of the
// SQL store so the race and idempotency behavior can be tested without
// a database.
type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[uuid.UUID]*models.Order)}
}

func (f *fakeOrderStore) Create(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.CreatedAt = time.Now()
	clone := *order
	f.orders[order.ID] = &clone
	return nil
}

func (f *fakeOrderStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	clone := *order
	return &clone, nil
}

func (f *fakeOrderStore) GetByProviderOrderID(ctx context.Context, providerOrderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.ProviderOrderID == providerOrderID {
			clone := *order
			return &clone, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeOrderStore) GetByCaptureID(ctx context.Context, captureID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byCapture(captureID)
	if !ok {
		return nil, db.ErrNotFound
	}
	clone := *f.orders[id]
	return &clone, nil
}

func (f *fakeOrderStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var orders []*models.Order
	for _, order := range f.orders {
		if order.UserID == userID {
			clone := *order
			orders = append(orders, &clone)
		}
	}
	return orders, nil
}

func (f *fakeOrderStore) ListRecentByUserAndAmount(ctx context.Context, userID uuid.UUID, amount int64, since time.Time) ([]*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var orders []*models.Order
	for _, order := range f.orders {
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

func (f *fakeOrderStore) transition(id uuid.UUID, allowed []models.OrderStatus, apply func(*models.Order)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if ok {
		for _, status := range allowed {
			if order.Status == status {
				apply(order)
				return nil
			}
		}
	}
	return fmt.Errorf("%w: fake store", db.ErrInvalidStatusTransition)
}

func (f *fakeOrderStore) MarkApproved(ctx context.Context, id uuid.UUID, eventID string) error {
	return f.transition(id, []models.OrderStatus{models.StatusCreated}, func(o *models.Order) {
		o.Status = models.StatusApproved
		o.ApprovedAt = time.Now()
		o.LastEventID = eventID
	})
}

func (f *fakeOrderStore) MarkPaid(ctx context.Context, id uuid.UUID, captureID, eventID string) error {
	return f.transition(id, []models.OrderStatus{models.StatusCreated, models.StatusApproved}, func(o *models.Order) {
		o.Status = models.StatusPaid
		if captureID != "" {
			o.CaptureID = captureID
		}
		o.PaidAt = time.Now()
		o.FailureReason = ""
		o.LastEventID = eventID
	})
}

func (f *fakeOrderStore) MarkFailed(ctx context.Context, id uuid.UUID, reason, eventID string) error {
	return f.transition(id, []models.OrderStatus{models.StatusCreated, models.StatusApproved}, func(o *models.Order) {
		o.Status = models.StatusFailed
		o.FailureReason = reason
		o.FailedAt = time.Now()
		o.LastEventID = eventID
	})
}

func (f *fakeOrderStore) MarkCancelled(ctx context.Context, id uuid.UUID, eventID string) error {
	return f.transition(id, []models.OrderStatus{models.StatusCreated, models.StatusApproved}, func(o *models.Order) {
		o.Status = models.StatusCancelled
		o.VoidedAt = time.Now()
		o.LastEventID = eventID
	})
}

func (f *fakeOrderStore) byCapture(captureID string) (uuid.UUID, bool) {
	for id, order := range f.orders {
		if order.CaptureID == captureID {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (f *fakeOrderStore) MarkRefundedByCapture(ctx context.Context, captureID, eventID string) error {
	f.mu.Lock()
	id, ok := f.byCapture(captureID)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: fake store", db.ErrInvalidStatusTransition)
	}
	return f.transition(id, []models.OrderStatus{models.StatusPaid}, func(o *models.Order) {
		o.Status = models.StatusRefunded
		o.RefundedAt = time.Now()
		o.LastEventID = eventID
	})
}

func (f *fakeOrderStore) MarkReversedByCapture(ctx context.Context, captureID, eventID string) error {
	f.mu.Lock()
	id, ok := f.byCapture(captureID)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: fake store", db.ErrInvalidStatusTransition)
	}
	return f.transition(id, []models.OrderStatus{models.StatusPaid, models.StatusRefunded}, func(o *models.Order) {
		o.Status = models.StatusReversed
		o.ReversedAt = time.Now()
		o.LastEventID = eventID
	})
}

func (f *fakeOrderStore) UpdateDelivery(ctx context.Context, id uuid.UUID, status models.DeliveryStatus, trackingNumber string) error {
	return f.transition(id, []models.OrderStatus{models.StatusPaid}, func(o *models.Order) {
		o.DeliveryStatus = status
		if trackingNumber != "" {
			o.TrackingNumber = trackingNumber
		}
	})
}

func (f *fakeOrderStore) StatsSince(ctx context.Context, since time.Time) (*db.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &db.Stats{}
	for _, order := range f.orders {
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
		if order.RiskLevel == models.RiskHigh {
			stats.HighRisk++
		}
	}
	return stats, nil
}

type fakeUserStore struct {
	users map[uuid.UUID]*models.User
}

func (f *fakeUserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return user, nil
}

type fakeGateway struct {
	mu        sync.Mutex
	created   int
	verifyErr error
}

func (f *fakeGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*paypal.RemoteOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return &paypal.RemoteOrder{
		ID:       fmt.Sprintf("PAY-%d", f.created),
		Status:   "CREATED",
		Amount:   amount,
		Currency: currency,
	}, nil
}

func (f *fakeGateway) VerifyOrder(ctx context.Context, providerOrderID string, expectedAmount int64, expectedCurrency string) (*paypal.RemoteOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &paypal.RemoteOrder{ID: providerOrderID, Status: "APPROVED", Amount: expectedAmount, Currency: expectedCurrency}, nil
}

// recordingEmailSender counts sends; waitForSends polls because the
// dispatcher runs off the request goroutine.
type recordingEmailSender struct {
	mu            sync.Mutex
	confirmations []uuid.UUID
	failures      []uuid.UUID
}

func (r *recordingEmailSender) SendOrderConfirmation(ctx context.Context, order *models.Order, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations = append(r.confirmations, order.ID)
	return nil
}

func (r *recordingEmailSender) SendPaymentFailed(ctx context.Context, order *models.Order, user *models.User, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, order.ID)
	return nil
}

func (r *recordingEmailSender) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.confirmations), len(r.failures)
}

func waitForSends(t *testing.T, r *recordingEmailSender, wantConfirmations, wantFailures int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		confirmations, failures := r.counts()
		if confirmations == wantConfirmations && failures == wantFailures {
			// Hold briefly to catch extra sends in flight.
			time.Sleep(50 * time.Millisecond)
			confirmations, failures = r.counts()
			if confirmations != wantConfirmations || failures != wantFailures {
				t.Fatalf("emails = %d confirmations/%d failures, want %d/%d", confirmations, failures, wantConfirmations, wantFailures)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("emails = %d confirmations/%d failures, want %d/%d", confirmations, failures, wantConfirmations, wantFailures)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type paymentFixture struct {
	service *PaymentService
	webhook *PayPalService
	store   *fakeOrderStore
	gateway *fakeGateway
	emails  *recordingEmailSender
	userID  uuid.UUID
}

const testSigningSecret = "test-signing-secret"

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	store := newFakeOrderStore()
	gateway := &fakeGateway{}
	emails := &recordingEmailSender{}
	userID := uuid.New()
	users := &fakeUserStore{users: map[uuid.UUID]*models.User{
		userID: {ID: userID, Name: "Asha Pillai", Email: "asha@example.com"},
	}}

	engine := risk.NewEngine(risk.DefaultRules(), nil)
	service := NewPaymentService(store, users, gateway, engine, emails, testSigningSecret, "INR", nil)
	webhook := NewPayPalService(store, users, emails, nil)

	return &paymentFixture{
		service: service,
		webhook: webhook,
		store:   store,
		gateway: gateway,
		emails:  emails,
		userID:  userID,
	}
}

func (fx *paymentFixture) createInput() CreateOrderInput {
	return CreateOrderInput{
		UserID: fx.userID,
		Amount: 150_000,
		Items: []models.LineItem{
			{ProductID: "marble-slab", Name: "Marble Slab", UnitPrice: 75_000, Quantity: 2},
		},
		ShippingAddress: models.Address{Street: "14 Quarry Lane", City: "Jaipur", Country: "IN"},
		Customer:        models.Customer{Name: "Asha Pillai", Email: "asha@example.com"},
	}
}

func captureCompletedEvent(eventID, providerOrderID, captureID, value string) *paypal.Event {
	payload := fmt.Sprintf(`{
		"id": %q,
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource": {
			"id": %q,
			"status": "COMPLETED",
			"amount": {"currency_code": "INR", "value": %q},
			"supplementary_data": {"related_ids": {"order_id": %q}}
		}
	}`, eventID, captureID, value, providerOrderID)
	event, err := paypal.ParseEvent([]byte(payload))
	if err != nil {
		panic(err)
	}
	return event
}

func TestCreateOrderPersistsCreatedOrder(t *testing.T) {
	t.Parallel()

	fx := newPaymentFixture(t)
	order, err := fx.service.CreateOrder(context.Background(), fx.createInput())
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if order.Status != models.StatusCreated {
		t.Fatalf("status = %s, want created", order.Status)
	}
	if order.ProviderOrderID == "" {
		t.Fatal("order has no provider order id")
	}
	if order.Receipt == "" {
		t.Fatal("order has no receipt")
	}
	if order.RiskLevel != models.RiskMedium {
		// 150000 > high threshold scores +2, nothing else applies.
		t.Fatalf("risk level = %s, want MEDIUM", order.RiskLevel)
	}
}

func TestCreateOrderRejectsDuplicates(t *testing.T) {
	t.Parallel()

	fx := newPaymentFixture(t)
	ctx := context.Background()

	first, err := fx.service.CreateOrder(ctx, fx.createInput())
	if err != nil {
		t.Fatalf("first CreateOrder() error = %v", err)
	}

	_, err = fx.service.CreateOrder(ctx, fx.createInput())
	var dup *DuplicateOrderError
	if !errors.As(err, &dup) {
		t.Fatalf("second CreateOrder() error = %v, want *DuplicateOrderError", err)
	}
	if dup.ExistingOrderID != first.ID {
		t.Fatalf("duplicate of %s, want %s", dup.ExistingOrderID, first.ID)
	}

	// Same amount, different items: not a duplicate.
	other := fx.createInput()
	other.Items = []models.LineItem{
		{ProductID: "granite-counter", Name: "Granite Counter", UnitPrice: 150_000, Quantity: 1},
	}
	if _, err := fx.service.CreateOrder(ctx, other); err != nil {
		t.Fatalf("different-items CreateOrder() error = %v", err)
	}
}

func TestVerifyPaymentMarksPaidOnce(t *testing.T) {
	t.Parallel()

	fx := newPaymentFixture(t)
	ctx := context.Background()

	order, err := fx.service.CreateOrder(ctx, fx.createInput())
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	input := VerifyPaymentInput{
		ProviderOrderID: order.ProviderOrderID,
		PaymentID:       "pay_1",
		Signature:       crypto.SignPayment(order.ProviderOrderID, "pay_1", testSigningSecret),
	}

	paid, err := fx.service.VerifyPayment(ctx, input)
	if err != nil {
		t.Fatalf("VerifyPayment() error = %v", err)
	}
	if paid.Status != models.StatusPaid {
		t.Fatalf("status = %s, want paid", paid.Status)
	}

	// Second confirmation for the same payment is a no-op success.
	again, err := fx.service.VerifyPayment(ctx, input)
	if err != nil {
		t.Fatalf("second VerifyPayment() error = %v", err)
	}
	if again.Status != models.StatusPaid {
		t.Fatalf("status after second verify = %s, want paid", again.Status)
	}

	waitForSends(t, fx.emails, 1, 0)
}

func TestVerifyPaymentRejectsBadSignature(t *testing.T) {
	t.Parallel()

	fx := newPaymentFixture(t)
	ctx := context.Background()

	order, err := fx.service.CreateOrder(ctx, fx.createInput())
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	_, err = fx.service.VerifyPayment(ctx, VerifyPaymentInput{
		ProviderOrderID: order.ProviderOrderID,
		PaymentID:       "pay_1",
		Signature:       crypto.SignPayment(order.ProviderOrderID, "pay_1", "wrong-secret"),
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("VerifyPayment() error = %v, want ErrInvalidSignature", err)
	}

	stored, _ := fx.store.GetByID(ctx, order.ID)
	if stored.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.FailureReason == "" {
		t.Fatal("failed order has no failure reason")
	}
	waitForSends(t, fx.emails, 0, 1)
}

func TestVerifyPaymentBadSignatureLeavesPaidOrderAlone(t *testing.T) {
	t.Parallel()

	fx := newPaymentFixture(t)
	ctx := context.Background()

	order, err := fx.service.CreateOrder(ctx, fx.createInput())
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if err := fx.store.MarkPaid(ctx, order.ID, "CAP-1", ""); err != nil {
		t.Fatalf("MarkPaid() error = %v", err)
	}

	_, err = fx.service.VerifyPayment(ctx, VerifyPaymentInput{
		ProviderOrderID: order.ProviderOrderID,
		PaymentID:       "pay_1",
		Signature:       crypto.SignPayment(order.ProviderOrderID, "pay_1", "wrong-secret"),
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("VerifyPayment() error = %v, want ErrInvalidSignature", err)
	}

	stored, _ := fx.store.GetByID(ctx, order.ID)
	if stored.Status != models.StatusPaid {
		t.Fatalf("status = %s, want paid untouched", stored.Status)
	}
	waitForSends(t, fx.emails, 0, 0)
}

func TestVerifyPaymentRemoteMismatchNeverPays(t *testing.T) {
	t.Parallel()

	fx := newPaymentFixture(t)
	ctx := context.Background()

	order, err := fx.service.CreateOrder(ctx, fx.createInput())
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	fx.gateway.verifyErr = &paypal.AmountMismatchError{Expected: order.Amount, Got: 1}

	_, err = fx.service.VerifyPayment(ctx, VerifyPaymentInput{
		ProviderOrderID: order.ProviderOrderID,
		PaymentID:       "pay_1",
		Signature:       crypto.SignPayment(order.ProviderOrderID, "pay_1", testSigningSecret),
	})
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("VerifyPayment() error = %v, want *VerificationError", err)
	}
	var mismatch *paypal.AmountMismatchError
	if !errors.As(verr, &mismatch) {
		t.Fatalf("VerificationError cause = %v, want *AmountMismatchError", verr.Cause)
	}
	if !verr.CanRetry {
		t.Fatal("first failure should leave retries available")
	}

	stored, _ := fx.store.GetByID(ctx, order.ID)
	if stored.Status == models.StatusPaid {
		t.Fatal("order transitioned to paid on an amount mismatch")
	}
	waitForSends(t, fx.emails, 0, 0)
}

func TestVerifyAndWebhookConverge(t *testing.T) {
	t.Parallel()

	fx := newPaymentFixture(t)
	ctx := context.Background()

	order, err := fx.service.CreateOrder(ctx, fx.createInput())
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	// Webhook lands first.
	event := captureCompletedEvent("WH-1", order.ProviderOrderID, "CAP-1", "1500.00")
	if err := fx.webhook.HandleCaptureCompleted(ctx, event); err != nil {
		t.Fatalf("HandleCaptureCompleted() error = %v", err)
	}

	// Client verify arrives second and must converge without a second
	// email.
	paid, err := fx.service.VerifyPayment(ctx, VerifyPaymentInput{
		ProviderOrderID: order.ProviderOrderID,
		PaymentID:       "pay_1",
		Signature:       crypto.SignPayment(order.ProviderOrderID, "pay_1", testSigningSecret),
	})
	if err != nil {
		t.Fatalf("VerifyPayment() after webhook error = %v", err)
	}
	if paid.Status != models.StatusPaid {
		t.Fatalf("status = %s, want paid", paid.Status)
	}
	if paid.CaptureID != "CAP-1" {
		t.Fatalf("capture id = %s, want CAP-1 from the webhook", paid.CaptureID)
	}

	waitForSends(t, fx.emails, 1, 0)
}
