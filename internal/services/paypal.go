package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stonearbor/stonearbor/internal/db"
	"github.com/stonearbor/stonearbor/internal/logging"
	"github.com/stonearbor/stonearbor/internal/paypal"
)

// captureAmountEpsilon tolerates one minor unit between the capture
// amount and the local order total.
const captureAmountEpsilon = 1

// PayPalService reconciles provider webhook events into order state.
// Every handler is idempotent: an event whose transition already
// happened is logged and dropped, never retried into a side effect.
type PayPalService struct {
	orders      OrderStore
	users       UserStore
	emailSender OrderEmailSender
	logger      *slog.Logger
}

func NewPayPalService(orders OrderStore, users UserStore, emailSender OrderEmailSender, logger *slog.Logger) *PayPalService {
	if emailSender == nil {
		emailSender = noopOrderEmailSender{}
	}
	return &PayPalService{
		orders:      orders,
		users:       users,
		emailSender: emailSender,
		logger:      logger,
	}
}

func (s *PayPalService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// HandleOrderApproved records payer approval on the local order.
func (s *PayPalService) HandleOrderApproved(ctx context.Context, event *paypal.Event) error {
	logger := s.loggerFromContext(ctx)

	resource, err := event.OrderResource()
	if err != nil {
		return err
	}

	order, err := s.orders.GetByProviderOrderID(ctx, resource.ID)
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}

	if err := s.orders.MarkApproved(ctx, order.ID, event.ID); err != nil {
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			logger.Info("ignoring order.approved due to state transition",
				"order_id", order.ID, "event_id", event.ID, "error", err)
			return nil
		}
		return fmt.Errorf("failed to mark order approved: %w", err)
	}
	return nil
}

// HandleCaptureCompleted is the authoritative paid signal. The capture
// amount is checked against the local order before any transition; a
// mismatch beyond one minor unit fails the order instead of paying it.
func (s *PayPalService) HandleCaptureCompleted(ctx context.Context, event *paypal.Event) error {
	logger := s.loggerFromContext(ctx)

	capture, err := event.CaptureResource()
	if err != nil {
		return err
	}
	if capture.OrderID() == "" {
		return fmt.Errorf("capture %s has no related order id", capture.ID)
	}

	order, err := s.orders.GetByProviderOrderID(ctx, capture.OrderID())
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}

	amount, err := capture.AmountMinor()
	if err != nil {
		return fmt.Errorf("unparseable capture amount: %w", err)
	}
	if diff := amount - order.Amount; diff < -captureAmountEpsilon || diff > captureAmountEpsilon {
		logger.Error("capture amount mismatch",
			"order_id", order.ID, "event_id", event.ID,
			"expected", order.Amount, "captured", amount)
		return s.failOrder(ctx, order.ID, fmt.Sprintf("capture amount mismatch: expected %d, captured %d", order.Amount, amount), event.ID)
	}

	if err := s.orders.MarkPaid(ctx, order.ID, capture.ID, event.ID); err != nil {
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			logger.Info("ignoring capture.completed due to state transition",
				"order_id", order.ID, "event_id", event.ID, "error", err)
			return nil
		}
		return fmt.Errorf("failed to mark order paid: %w", err)
	}

	s.sendConfirmation(ctx, order.ID)
	logger.Info("order paid via webhook", "order_id", order.ID, "capture_id", capture.ID, "event_id", event.ID)
	return nil
}

// HandleCaptureDenied fails the order and tells the customer.
func (s *PayPalService) HandleCaptureDenied(ctx context.Context, event *paypal.Event) error {
	logger := s.loggerFromContext(ctx)

	capture, err := event.CaptureResource()
	if err != nil {
		return err
	}
	if capture.OrderID() == "" {
		return fmt.Errorf("capture %s has no related order id", capture.ID)
	}

	order, err := s.orders.GetByProviderOrderID(ctx, capture.OrderID())
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}

	reason := "payment capture denied by provider"
	if err := s.orders.MarkFailed(ctx, order.ID, reason, event.ID); err != nil {
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			logger.Info("ignoring capture.denied due to state transition",
				"order_id", order.ID, "event_id", event.ID, "error", err)
			return nil
		}
		return fmt.Errorf("failed to mark order failed: %w", err)
	}

	s.sendPaymentFailed(ctx, order.ID, reason)
	return nil
}

// HandleCaptureRefunded moves a paid order to refunded.
func (s *PayPalService) HandleCaptureRefunded(ctx context.Context, event *paypal.Event) error {
	return s.settleByCapture(ctx, event, s.orders.MarkRefundedByCapture, "capture.refunded")
}

// HandleCaptureReversed handles chargebacks on paid or refunded orders.
func (s *PayPalService) HandleCaptureReversed(ctx context.Context, event *paypal.Event) error {
	return s.settleByCapture(ctx, event, s.orders.MarkReversedByCapture, "capture.reversed")
}

// HandleOrderVoided cancels an order the payer abandoned.
func (s *PayPalService) HandleOrderVoided(ctx context.Context, event *paypal.Event) error {
	logger := s.loggerFromContext(ctx)

	resource, err := event.OrderResource()
	if err != nil {
		return err
	}

	order, err := s.orders.GetByProviderOrderID(ctx, resource.ID)
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}

	if err := s.orders.MarkCancelled(ctx, order.ID, event.ID); err != nil {
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			logger.Info("ignoring order.voided due to state transition",
				"order_id", order.ID, "event_id", event.ID, "error", err)
			return nil
		}
		return fmt.Errorf("failed to mark order cancelled: %w", err)
	}
	return nil
}

func (s *PayPalService) settleByCapture(ctx context.Context, event *paypal.Event, mark func(ctx context.Context, captureID, eventID string) error, label string) error {
	logger := s.loggerFromContext(ctx)

	capture, err := event.CaptureResource()
	if err != nil {
		return err
	}

	order, err := s.orders.GetByCaptureID(ctx, capture.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			logger.Warn("ignoring "+label+" for unknown capture",
				"capture_id", capture.ID, "event_id", event.ID)
			return nil
		}
		return fmt.Errorf("failed to get order by capture: %w", err)
	}

	if err := mark(ctx, capture.ID, event.ID); err != nil {
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			logger.Info("ignoring "+label+" due to state transition",
				"order_id", order.ID, "capture_id", capture.ID, "event_id", event.ID, "error", err)
			return nil
		}
		return fmt.Errorf("failed to apply %s: %w", label, err)
	}

	logger.Info("applied "+label, "order_id", order.ID, "capture_id", capture.ID, "event_id", event.ID)
	return nil
}

func (s *PayPalService) failOrder(ctx context.Context, orderID uuid.UUID, reason, eventID string) error {
	if err := s.orders.MarkFailed(ctx, orderID, reason, eventID); err != nil {
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			s.loggerFromContext(ctx).Info("order not failable, leaving state unchanged",
				"order_id", orderID, "event_id", eventID, "error", err)
			return nil
		}
		return fmt.Errorf("failed to mark order failed: %w", err)
	}
	s.sendPaymentFailed(ctx, orderID, reason)
	return nil
}

func (s *PayPalService) sendConfirmation(ctx context.Context, orderID uuid.UUID) {
	logger := s.loggerFromContext(ctx)
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

func (s *PayPalService) sendPaymentFailed(ctx context.Context, orderID uuid.UUID, reason string) {
	logger := s.loggerFromContext(ctx)
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
