// Package services holds the order lifecycle: creating orders against
// the payment provider, confirming payments, and reconciling webhook
// events into order state.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/stonearbor/stonearbor/internal/crypto"
	"github.com/stonearbor/stonearbor/internal/db"
	"github.com/stonearbor/stonearbor/internal/logging"
	"github.com/stonearbor/stonearbor/internal/models"
	"github.com/stonearbor/stonearbor/internal/observability"
	"github.com/stonearbor/stonearbor/internal/paypal"
	"github.com/stonearbor/stonearbor/internal/retry"
	"github.com/stonearbor/stonearbor/internal/risk"
)

// OrderStore is the subset of the order persistence layer the services
// use; *db.OrderStore satisfies it.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetByProviderOrderID(ctx context.Context, providerOrderID string) (*models.Order, error)
	GetByCaptureID(ctx context.Context, captureID string) (*models.Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error)
	ListRecentByUserAndAmount(ctx context.Context, userID uuid.UUID, amount int64, since time.Time) ([]*models.Order, error)
	MarkApproved(ctx context.Context, id uuid.UUID, eventID string) error
	MarkPaid(ctx context.Context, id uuid.UUID, captureID, eventID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason, eventID string) error
	MarkCancelled(ctx context.Context, id uuid.UUID, eventID string) error
	MarkRefundedByCapture(ctx context.Context, captureID, eventID string) error
	MarkReversedByCapture(ctx context.Context, captureID, eventID string) error
	UpdateDelivery(ctx context.Context, id uuid.UUID, status models.DeliveryStatus, trackingNumber string) error
	StatsSince(ctx context.Context, since time.Time) (*db.Stats, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Gateway is the payment provider surface; *paypal.Client satisfies it.
type Gateway interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*paypal.RemoteOrder, error)
	VerifyOrder(ctx context.Context, providerOrderID string, expectedAmount int64, expectedCurrency string) (*paypal.RemoteOrder, error)
}

// DuplicateOrderError reports an order creation that matches a recent
// live order for the same user, amount, and item set.
type DuplicateOrderError struct {
	ExistingOrderID uuid.UUID
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("duplicate of recent order %s", e.ExistingOrderID)
}

// ErrInvalidSignature means the sync confirmation's HMAC did not match.
var ErrInvalidSignature = errors.New("invalid payment signature")

// VerificationError wraps a remote verification failure (amount,
// currency, or approval state) with a retry hint for the client.
type VerificationError struct {
	Cause      error
	RetryAfter time.Duration
	CanRetry   bool
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("payment verification failed: %v", e.Cause)
}

func (e *VerificationError) Unwrap() error {
	return e.Cause
}

// duplicateWindow is how far back the duplicate guard looks.
const duplicateWindow = 5 * time.Minute

type PaymentService struct {
	orders      OrderStore
	users       UserStore
	gateway     Gateway
	riskEngine  *risk.Engine
	retries     *retry.Tracker
	emailSender OrderEmailSender

	signingSecret string
	currency      string
	logger        *slog.Logger
}

func NewPaymentService(orders OrderStore, users UserStore, gateway Gateway, riskEngine *risk.Engine, emailSender OrderEmailSender, signingSecret, currency string, logger *slog.Logger) *PaymentService {
	if emailSender == nil {
		emailSender = noopOrderEmailSender{}
	}
	if currency == "" {
		currency = "INR"
	}
	return &PaymentService{
		orders:        orders,
		users:         users,
		gateway:       gateway,
		riskEngine:    riskEngine,
		retries:       retry.NewTracker(),
		emailSender:   emailSender,
		signingSecret: signingSecret,
		currency:      currency,
		logger:        logger,
	}
}

type CreateOrderInput struct {
	UserID          uuid.UUID
	ClientIP        string
	Amount          int64
	Items           []models.LineItem
	ShippingAddress models.Address
	Customer        models.Customer
}

// CreateOrder runs validation, risk scoring, and the duplicate guard,
// registers the order with the provider, and persists it as created.
func (s *PaymentService) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.payment.create_order",
		sentry.WithOpName("service.payment"),
		sentry.WithDescription("CreateOrder"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := logging.FromContext(ctx, s.logger)
	meter := observability.MeterFromContext(ctx)
	meter.Count("payment.orders.received", 1)
	recordRejected := func(reason string) {
		meter.Count("payment.orders.rejected", 1, sentry.WithAttributes(attribute.String("reason", reason)))
	}

	assessment, err := s.riskEngine.ValidateAndScore(ctx, risk.Input{
		UserID:          input.UserID.String(),
		ClientIP:        input.ClientIP,
		Amount:          input.Amount,
		Items:           input.Items,
		ShippingAddress: input.ShippingAddress,
	})
	if err != nil {
		recordRejected(riskRejectionReason(err))
		return nil, err
	}

	if existing, err := s.findDuplicate(ctx, input); err != nil {
		return nil, err
	} else if existing != nil {
		recordRejected("duplicate")
		logger.InfoContext(ctx, "rejected duplicate order",
			slog.String("user_id", input.UserID.String()),
			slog.String("existing_order_id", existing.ID.String()))
		return nil, &DuplicateOrderError{ExistingOrderID: existing.ID}
	}

	receipt, err := generateReceipt()
	if err != nil {
		return nil, err
	}

	remote, err := s.gateway.CreateOrder(ctx, input.Amount, s.currency, receipt)
	if err != nil {
		recordRejected("gateway_failed")
		return nil, fmt.Errorf("gateway order creation failed: %w", err)
	}

	order := &models.Order{
		UserID:          input.UserID,
		ProviderOrderID: remote.ID,
		Receipt:         receipt,
		Amount:          input.Amount,
		Currency:        s.currency,
		Items:           input.Items,
		ShippingAddress: input.ShippingAddress,
		Customer:        input.Customer,
		Status:          models.StatusCreated,
		DeliveryStatus:  models.DeliveryPending,
		RiskLevel:       assessment.Level,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	meter.Count("payment.orders.created", 1, sentry.WithAttributes(attribute.String("risk_level", string(order.RiskLevel))))
	span.Status = sentry.SpanStatusOK
	logger.InfoContext(ctx, "order created",
		slog.String("order_id", order.ID.String()),
		slog.String("provider_order_id", order.ProviderOrderID),
		slog.Int64("amount", order.Amount),
		slog.String("risk_level", string(order.RiskLevel)))
	return order, nil
}

type VerifyPaymentInput struct {
	ProviderOrderID string
	PaymentID       string
	Signature       string
}

// VerifyPayment is the synchronous confirmation path: signature check,
// remote order verification, then the paid transition. A signature
// mismatch fails the order and notifies the customer. If a webhook
// already marked the order paid, the call succeeds without repeating
// side effects.
func (s *PaymentService) VerifyPayment(ctx context.Context, input VerifyPaymentInput) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.payment.verify_payment",
		sentry.WithOpName("service.payment"),
		sentry.WithDescription("VerifyPayment"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := logging.FromContext(ctx, s.logger)
	meter := observability.MeterFromContext(ctx)

	if !crypto.VerifyPaymentSignature(input.ProviderOrderID, input.PaymentID, input.Signature, s.signingSecret) {
		meter.Count("payment.verify.rejected", 1, sentry.WithAttributes(attribute.String("reason", "bad_signature")))
		s.failOnBadSignature(ctx, input.ProviderOrderID)
		return nil, ErrInvalidSignature
	}

	order, err := s.orders.GetByProviderOrderID(ctx, input.ProviderOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	if _, err := s.gateway.VerifyOrder(ctx, order.ProviderOrderID, order.Amount, order.Currency); err != nil {
		meter.Count("payment.verify.rejected", 1, sentry.WithAttributes(attribute.String("reason", "remote_verification_failed")))
		attempts := s.retries.RecordFailure(order.ID.String())
		logger.WarnContext(ctx, "payment verification failed",
			slog.String("order_id", order.ID.String()),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return nil, &VerificationError{
			Cause:      err,
			RetryAfter: s.retries.TimeUntilNextRetry(order.ID.String()),
			CanRetry:   s.retries.CanRetry(order.ID.String()),
		}
	}

	if err := s.orders.MarkPaid(ctx, order.ID, input.PaymentID, ""); err != nil {
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			// The webhook got there first. Converged: no second email.
			if current, getErr := s.orders.GetByID(ctx, order.ID); getErr == nil && current.Status == models.StatusPaid {
				logger.InfoContext(ctx, "order already paid, verify is a no-op",
					slog.String("order_id", order.ID.String()))
				return current, nil
			}
		}
		return nil, fmt.Errorf("failed to mark order paid: %w", err)
	}

	s.retries.Clear(order.ID.String())
	s.sendConfirmation(ctx, order.ID)

	meter.Count("payment.verify.succeeded", 1)
	span.Status = sentry.SpanStatusOK
	logger.InfoContext(ctx, "payment verified",
		slog.String("order_id", order.ID.String()),
		slog.String("provider_order_id", order.ProviderOrderID))
	return s.orders.GetByID(ctx, order.ID)
}

// GetOrderForUser returns the order only if it belongs to the user.
func (s *PaymentService) GetOrderForUser(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, db.ErrNotFound
	}
	return order, nil
}

func (s *PaymentService) ListOrders(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	return s.orders.ListByUser(ctx, userID, limit)
}

// UpdateDelivery moves the fulfilment sub-state of a paid order.
func (s *PaymentService) UpdateDelivery(ctx context.Context, orderID uuid.UUID, status models.DeliveryStatus, trackingNumber string) error {
	if !models.ValidDeliveryStatus(status) {
		return fmt.Errorf("unknown delivery status: %s", status)
	}
	return s.orders.UpdateDelivery(ctx, orderID, status, trackingNumber)
}

// findDuplicate looks for a live or paid order in the duplicate window
// with the same user, amount, and product-id set.
func (s *PaymentService) findDuplicate(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	since := time.Now().Add(-duplicateWindow)
	recent, err := s.orders.ListRecentByUserAndAmount(ctx, input.UserID, input.Amount, since)
	if err != nil {
		return nil, fmt.Errorf("duplicate check failed: %w", err)
	}

	want := productIDSet(input.Items)
	for _, candidate := range recent {
		if slices.Equal(productIDSet(candidate.Items), want) {
			return candidate, nil
		}
	}
	return nil, nil
}

func productIDSet(items []models.LineItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// failOnBadSignature moves the order named by a forged or corrupted
// confirmation to failed and notifies the customer. Unknown orders and
// orders already past created/approved are left alone; the caller
// returns ErrInvalidSignature either way.
func (s *PaymentService) failOnBadSignature(ctx context.Context, providerOrderID string) {
	logger := logging.FromContext(ctx, s.logger)

	order, err := s.orders.GetByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			logger.WarnContext(ctx, "failed to load order for rejected confirmation",
				slog.String("provider_order_id", providerOrderID),
				slog.Any("error", err))
		}
		return
	}

	reason := "payment signature verification failed"
	if err := s.orders.MarkFailed(ctx, order.ID, reason, ""); err != nil {
		if !errors.Is(err, db.ErrInvalidStatusTransition) {
			logger.ErrorContext(ctx, "failed to mark order failed",
				slog.String("order_id", order.ID.String()),
				slog.Any("error", err))
		}
		return
	}

	logger.WarnContext(ctx, "order failed on signature mismatch",
		slog.String("order_id", order.ID.String()),
		slog.String("provider_order_id", providerOrderID))
	s.sendPaymentFailed(ctx, order.ID, reason)
}

// sendConfirmation dispatches the confirmation email off the request
// path. The caller must be the one that won the paid transition.
func (s *PaymentService) sendConfirmation(ctx context.Context, orderID uuid.UUID) {
	logger := logging.FromContext(ctx, s.logger)
	dispatchAsync(logger, orderID.String(), func(ctx context.Context) error {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		user, err := s.users.GetByID(ctx, order.UserID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		return s.emailSender.SendOrderConfirmation(ctx, order, user)
	})
}

func (s *PaymentService) sendPaymentFailed(ctx context.Context, orderID uuid.UUID, reason string) {
	logger := logging.FromContext(ctx, s.logger)
	dispatchAsync(logger, orderID.String(), func(ctx context.Context) error {
		order, err := s.orders.GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		user, err := s.users.GetByID(ctx, order.UserID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		return s.emailSender.SendPaymentFailed(ctx, order, user, reason)
	})
}

func riskRejectionReason(err error) string {
	var validationErr *risk.ValidationError
	var rateErr *risk.RateLimitError
	switch {
	case errors.As(err, &validationErr):
		return "validation_failed"
	case errors.As(err, &rateErr):
		return "rate_limited"
	default:
		return "risk_engine_failed"
	}
}

func generateReceipt() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate receipt: %w", err)
	}
	return fmt.Sprintf("HS-%d-%s", time.Now().Unix(), hex.EncodeToString(buf)), nil
}
