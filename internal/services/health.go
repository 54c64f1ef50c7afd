package services

import (
	"context"
	"fmt"
	"time"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthCritical HealthStatus = "CRITICAL"
)

const (
	healthWindow = 24 * time.Hour

	degradedBelow = 0.85
	criticalBelow = 0.50
)

// HealthSummary is the operator view of the last 24 hours of payments.
type HealthSummary struct {
	Status      HealthStatus `json:"status"`
	SuccessRate float64      `json:"success_rate"`
	Window      string       `json:"window"`
	Totals      struct {
		Orders    int64 `json:"orders"`
		Paid      int64 `json:"paid"`
		Failed    int64 `json:"failed"`
		Pending   int64 `json:"pending"`
		Refunded  int64 `json:"refunded"`
		Reversed  int64 `json:"reversed"`
		Cancelled int64 `json:"cancelled"`
		HighRisk  int64 `json:"high_risk"`
	} `json:"totals"`
	GeneratedAt time.Time `json:"generated_at"`
}

// PaymentHealthService summarizes settled payment outcomes. Success
// rate counts only settled orders (paid vs failed); orders still in
// flight don't weigh on it.
type PaymentHealthService struct {
	orders OrderStore
}

func NewPaymentHealthService(orders OrderStore) *PaymentHealthService {
	return &PaymentHealthService{orders: orders}
}

func (s *PaymentHealthService) Summary(ctx context.Context) (*HealthSummary, error) {
	stats, err := s.orders.StatsSince(ctx, time.Now().Add(-healthWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load payment stats: %w", err)
	}

	summary := &HealthSummary{
		Window:      healthWindow.String(),
		GeneratedAt: time.Now().UTC(),
	}
	summary.Totals.Orders = stats.Total
	summary.Totals.Paid = stats.Paid
	summary.Totals.Failed = stats.Failed
	summary.Totals.Pending = stats.Created
	summary.Totals.Refunded = stats.Refunded
	summary.Totals.Reversed = stats.Reversed
	summary.Totals.Cancelled = stats.Cancelled
	summary.Totals.HighRisk = stats.HighRisk

	settled := stats.Paid + stats.Failed
	if settled == 0 {
		summary.SuccessRate = 1
		summary.Status = HealthHealthy
		return summary, nil
	}

	summary.SuccessRate = float64(stats.Paid) / float64(settled)
	switch {
	case summary.SuccessRate < criticalBelow:
		summary.Status = HealthCritical
	case summary.SuccessRate < degradedBelow:
		summary.Status = HealthDegraded
	default:
		summary.Status = HealthHealthy
	}
	return summary, nil
}
