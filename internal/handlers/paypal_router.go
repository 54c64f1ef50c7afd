package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/stonearbor/stonearbor/internal/logging"
	"github.com/stonearbor/stonearbor/internal/observability"
	"github.com/stonearbor/stonearbor/internal/paypal"
	"github.com/stonearbor/stonearbor/internal/services"
)

// PayPalEventRouter dispatches parsed webhook events to the lifecycle
// handlers. Unrecognized event types are acknowledged, not errors.
type PayPalEventRouter struct {
	service *services.PayPalService
	logger  *slog.Logger
}

func NewPayPalEventRouter(service *services.PayPalService, logger *slog.Logger) *PayPalEventRouter {
	return &PayPalEventRouter{
		service: service,
		logger:  logger,
	}
}

func (r *PayPalEventRouter) Handle(ctx context.Context, event *paypal.Event) error {
	span := sentry.StartSpan(
		ctx,
		"handler.paypal_router.handle",
		sentry.WithOpName("handler.paypal_router"),
		sentry.WithDescription("PayPalEventRouter.Handle"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.String("webhook.provider", "paypal"))
	meter.Count("webhook.router.received", 1)
	recordFailed := func(reason string) {
		meter.Count("webhook.router.failed", 1, sentry.WithAttributes(attribute.String("reason", reason)))
	}

	if event == nil {
		recordFailed("missing_event")
		return fmt.Errorf("missing paypal event")
	}
	meter.SetAttributes(attribute.String("webhook.event_type", event.EventType))

	logger := logging.FromContext(ctx, r.logger)

	switch event.EventType {
	case paypal.EventCheckoutOrderApproved:
		if err := r.service.HandleOrderApproved(ctx, event); err != nil {
			recordFailed("order_approved_failed")
			return err
		}
	case paypal.EventCaptureCompleted:
		if err := r.service.HandleCaptureCompleted(ctx, event); err != nil {
			recordFailed("capture_completed_failed")
			return err
		}
	case paypal.EventCaptureDenied, paypal.EventCaptureDeclined:
		if err := r.service.HandleCaptureDenied(ctx, event); err != nil {
			recordFailed("capture_denied_failed")
			return err
		}
	case paypal.EventCaptureRefunded:
		if err := r.service.HandleCaptureRefunded(ctx, event); err != nil {
			recordFailed("capture_refunded_failed")
			return err
		}
	case paypal.EventCaptureReversed:
		if err := r.service.HandleCaptureReversed(ctx, event); err != nil {
			recordFailed("capture_reversed_failed")
			return err
		}
	case paypal.EventCheckoutOrderVoided:
		if err := r.service.HandleOrderVoided(ctx, event); err != nil {
			recordFailed("order_voided_failed")
			return err
		}
	default:
		logger.Info("unhandled PayPal event type", "type", event.EventType)
		meter.Count("webhook.router.unhandled", 1)
		span.Status = sentry.SpanStatusOK
		return nil
	}

	meter.Count("webhook.router.processed", 1)
	span.Status = sentry.SpanStatusOK
	return nil
}
