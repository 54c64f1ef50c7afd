// Package risk validates incoming order requests and assigns each one a
// fraud risk level before any money moves.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stonearbor/stonearbor/internal/logging"
	"github.com/stonearbor/stonearbor/internal/models"
)

// ValidationError reports a request that fails static checks. It maps to
// a 400 at the handler layer.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimitError reports an identity that has exceeded its order cap
// for the current window. It maps to a 429 at the handler layer.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("order rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// Input is an order creation request as seen by the risk engine. UserID
// identifies the customer when authenticated; ClientIP is the fallback
// identity for rate limiting.
type Input struct {
	UserID          string
	ClientIP        string
	Amount          int64
	Items           []models.LineItem
	ShippingAddress models.Address
}

// Assessment is the engine's verdict on an accepted request.
type Assessment struct {
	Level    models.RiskLevel
	Score    int
	Attempts int
}

type Engine struct {
	rules   Rules
	limiter *rateLimiter
	logger  *slog.Logger
}

func NewEngine(rules Rules, logger *slog.Logger) *Engine {
	return &Engine{
		rules:   rules,
		limiter: newRateLimiter(rules.Window),
		logger:  logger,
	}
}

// ValidateAndScore runs static validation, the sliding-window rate
// limit, and the scoring pass, in that order. Accepted requests are
// recorded against the caller's window so the score reflects prior
// attempts only, not the current one.
func (e *Engine) ValidateAndScore(ctx context.Context, in Input) (Assessment, error) {
	if err := e.validate(in); err != nil {
		return Assessment{}, err
	}

	identity := in.UserID
	if identity == "" {
		identity = in.ClientIP
	}

	attempts := e.limiter.attempts(identity)
	if attempts >= e.rules.MaxOrdersPerWindow {
		retryAfter := e.rules.Window
		if oldest, ok := e.limiter.oldest(identity); ok {
			retryAfter = time.Until(oldest.Add(e.rules.Window))
		}
		logging.FromContext(ctx, e.logger).WarnContext(ctx, "order rate limit hit",
			slog.String("identity", identity),
			slog.Int("attempts", attempts))
		return Assessment{}, &RateLimitError{RetryAfter: retryAfter}
	}
	e.limiter.record(identity)

	assessment := e.score(in, attempts)
	if assessment.Level != models.RiskLow {
		logging.FromContext(ctx, e.logger).InfoContext(ctx, "elevated order risk",
			slog.String("identity", identity),
			slog.String("level", string(assessment.Level)),
			slog.Int("score", assessment.Score))
	}
	return assessment, nil
}

// maxItemQuantity caps a single line item; bulk trade orders go through
// the quotation flow instead.
const maxItemQuantity = 100

func (e *Engine) validate(in Input) error {
	if in.Amount < e.rules.MinOrderAmount {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("below minimum of %d", e.rules.MinOrderAmount)}
	}
	if in.Amount > e.rules.MaxOrderAmount {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("above maximum of %d", e.rules.MaxOrderAmount)}
	}
	if len(in.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "order has no items"}
	}

	var computed int64
	for i, item := range in.Items {
		if item.ProductID == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "missing"}
		}
		if item.Quantity < 1 || item.Quantity > maxItemQuantity {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: fmt.Sprintf("must be between 1 and %d", maxItemQuantity)}
		}
		if item.UnitPrice <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Reason: "must be positive"}
		}
		computed += item.UnitPrice * int64(item.Quantity)
	}
	if computed != in.Amount {
		return &ValidationError{Field: "amount", Reason: fmt.Sprintf("does not match item total %d", computed)}
	}

	addr := in.ShippingAddress
	for _, field := range []struct {
		name  string
		value string
	}{
		{"shipping_address.street", addr.Street},
		{"shipping_address.city", addr.City},
		{"shipping_address.country", addr.Country},
	} {
		if len(strings.TrimSpace(field.value)) < 2 {
			return &ValidationError{Field: field.name, Reason: "must be at least 2 characters"}
		}
	}
	return nil
}

// score weighs the amount, the caller's recent attempt history, and the
// total quantity. Thresholds: 4 and above is high risk, 2 and above is
// medium.
func (e *Engine) score(in Input, priorAttempts int) Assessment {
	score := 0

	switch {
	case in.Amount > e.rules.HighAmount:
		score += 2
	case in.Amount > e.rules.MediumAmount:
		score++
	}

	switch {
	case priorAttempts > 3:
		score += 2
	case priorAttempts >= 1:
		score++
	}

	if models.TotalQuantity(in.Items) > e.rules.BulkQuantity {
		score++
	}

	level := models.RiskLow
	switch {
	case score >= 4:
		level = models.RiskHigh
	case score >= 2:
		level = models.RiskMedium
	}
	return Assessment{Level: level, Score: score, Attempts: priorAttempts}
}
