package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stonearbor/stonearbor/internal/email"
	"github.com/stonearbor/stonearbor/internal/models"
)

type OrderEmailSender interface {
	SendOrderConfirmation(ctx context.Context, order *models.Order, user *models.User) error
	SendPaymentFailed(ctx context.Context, order *models.Order, user *models.User, reason string) error
}

// ProviderOrderEmailSender renders the order templates and sends them
// through the configured email provider.
type ProviderOrderEmailSender struct {
	provider email.Provider
}

func NewProviderOrderEmailSender(provider email.Provider) *ProviderOrderEmailSender {
	return &ProviderOrderEmailSender{provider: provider}
}

func (s *ProviderOrderEmailSender) SendOrderConfirmation(ctx context.Context, order *models.Order, user *models.User) error {
	info := email.BuildOrderInfo(order, user)
	if info.CustomerEmail == "" {
		return fmt.Errorf("order %s has no customer email", order.ID)
	}
	return email.SendOrderConfirmation(ctx, s.provider, info)
}

func (s *ProviderOrderEmailSender) SendPaymentFailed(ctx context.Context, order *models.Order, user *models.User, reason string) error {
	info := email.BuildOrderInfo(order, user)
	if info.CustomerEmail == "" {
		return fmt.Errorf("order %s has no customer email", order.ID)
	}
	info.FailureReason = reason
	return email.SendPaymentFailed(ctx, s.provider, info)
}

type noopOrderEmailSender struct{}

func (noopOrderEmailSender) SendOrderConfirmation(context.Context, *models.Order, *models.User) error {
	return nil
}

func (noopOrderEmailSender) SendPaymentFailed(context.Context, *models.Order, *models.User, string) error {
	return nil
}

const emailDispatchTimeout = 30 * time.Second

// dispatchAsync runs the send off the request path with its own
// deadline, so a slow email provider never delays a payment response or
// a webhook ACK. Failures are logged, not surfaced.
func dispatchAsync(logger *slog.Logger, orderID string, send func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("email dispatch panicked", "order_id", orderID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), emailDispatchTimeout)
		defer cancel()

		if err := send(ctx); err != nil {
			logger.Error("failed to send order email", "order_id", orderID, "error", err)
		}
	}()
}
