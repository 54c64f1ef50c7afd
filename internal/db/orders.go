package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stonearbor/stonearbor/internal/models"
)

type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	id, user_id, provider_order_id, capture_id, receipt,
	amount, currency, items, shipping_address, customer,
	status, delivery_status, risk_level, failure_reason, tracking_number,
	last_event_id, created_at, approved_at, paid_at, failed_at,
	voided_at, refunded_at, reversed_at
`

func (s *OrderStore) Create(ctx context.Context, order *models.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to encode items: %w", err)
	}
	addressJSON, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to encode shipping address: %w", err)
	}
	customerJSON, err := json.Marshal(order.Customer)
	if err != nil {
		return fmt.Errorf("failed to encode customer: %w", err)
	}

	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	query := `
		INSERT INTO orders (
			id, user_id, provider_order_id, receipt, amount, currency,
			items, shipping_address, customer, status, delivery_status, risk_level
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`
	row := s.pool.QueryRow(ctx, query,
		order.ID, order.UserID, order.ProviderOrderID, order.Receipt,
		order.Amount, order.Currency, itemsJSON, addressJSON, customerJSON,
		string(order.Status), string(order.DeliveryStatus), string(order.RiskLevel))
	if err := row.Scan(&order.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

func (s *OrderStore) GetByProviderOrderID(ctx context.Context, providerOrderID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE provider_order_id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, providerOrderID))
}

func (s *OrderStore) GetByCaptureID(ctx context.Context, captureID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE capture_id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, captureID))
}

func (s *OrderStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// ListRecentByUserAndAmount returns live-or-paid orders with the same
// user and amount created at or after since, newest first. The caller
// compares item sets to decide whether a new order is a duplicate.
func (s *OrderStore) ListRecentByUserAndAmount(ctx context.Context, userID uuid.UUID, amount int64, since time.Time) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1 AND amount = $2 AND created_at >= $3
		  AND status IN ('created', 'approved', 'paid')
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, userID, amount, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent orders: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

// MarkApproved records payer approval. Only a created order can move to
// approved; an order already paid or terminal stays put.
func (s *OrderStore) MarkApproved(ctx context.Context, id uuid.UUID, eventID string) error {
	query := `
		UPDATE orders
		SET status = 'approved', approved_at = NOW(), last_event_id = $2
		WHERE id = $1 AND status = 'created'
	`
	cmdTag, err := s.pool.Exec(ctx, query, id, eventID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected created", ErrInvalidStatusTransition)
	}
	return nil
}

// MarkPaid moves an order to paid. The status guard excludes paid
// itself so exactly one of the racing confirmation paths wins; the
// loser gets ErrInvalidStatusTransition and must not repeat side
// effects.
func (s *OrderStore) MarkPaid(ctx context.Context, id uuid.UUID, captureID, eventID string) error {
	query := `
		UPDATE orders
		SET status = 'paid', capture_id = COALESCE(NULLIF($2, ''), capture_id),
		    paid_at = NOW(), failure_reason = NULL, last_event_id = $3
		WHERE id = $1 AND status IN ('created', 'approved')
	`
	cmdTag, err := s.pool.Exec(ctx, query, id, captureID, eventID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected created/approved", ErrInvalidStatusTransition)
	}
	return nil
}

// MarkFailed records a payment failure. Paid and terminal orders are
// not touched: a late denial for an order that already converged on
// paid is a provider quirk, not a state change.
func (s *OrderStore) MarkFailed(ctx context.Context, id uuid.UUID, reason, eventID string) error {
	query := `
		UPDATE orders
		SET status = 'failed', failure_reason = $2, failed_at = NOW(), last_event_id = $3
		WHERE id = $1 AND status IN ('created', 'approved')
	`
	cmdTag, err := s.pool.Exec(ctx, query, id, reason, eventID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected created/approved", ErrInvalidStatusTransition)
	}
	return nil
}

func (s *OrderStore) MarkCancelled(ctx context.Context, id uuid.UUID, eventID string) error {
	query := `
		UPDATE orders
		SET status = 'cancelled', voided_at = NOW(), last_event_id = $2
		WHERE id = $1 AND status IN ('created', 'approved')
	`
	cmdTag, err := s.pool.Exec(ctx, query, id, eventID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected created/approved", ErrInvalidStatusTransition)
	}
	return nil
}

// MarkRefundedByCapture is keyed by capture ID because refund events
// reference the capture, not the checkout order.
func (s *OrderStore) MarkRefundedByCapture(ctx context.Context, captureID, eventID string) error {
	query := `
		UPDATE orders
		SET status = 'refunded', refunded_at = NOW(), last_event_id = $2
		WHERE capture_id = $1 AND status = 'paid'
	`
	cmdTag, err := s.pool.Exec(ctx, query, captureID, eventID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected paid", ErrInvalidStatusTransition)
	}
	return nil
}

// MarkReversedByCapture handles chargebacks, which can land on an
// already-refunded order.
func (s *OrderStore) MarkReversedByCapture(ctx context.Context, captureID, eventID string) error {
	query := `
		UPDATE orders
		SET status = 'reversed', reversed_at = NOW(), last_event_id = $2
		WHERE capture_id = $1 AND status IN ('paid', 'refunded')
	`
	cmdTag, err := s.pool.Exec(ctx, query, captureID, eventID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected paid/refunded", ErrInvalidStatusTransition)
	}
	return nil
}

// UpdateDelivery changes fulfilment state; only paid orders ship.
func (s *OrderStore) UpdateDelivery(ctx context.Context, id uuid.UUID, status models.DeliveryStatus, trackingNumber string) error {
	query := `
		UPDATE orders
		SET delivery_status = $2, tracking_number = COALESCE(NULLIF($3, ''), tracking_number)
		WHERE id = $1 AND status = 'paid'
	`
	cmdTag, err := s.pool.Exec(ctx, query, id, string(status), trackingNumber)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected paid", ErrInvalidStatusTransition)
	}
	return nil
}

// Stats summarizes payment outcomes since the given time, used by the
// payment health endpoint.
type Stats struct {
	Total     int64
	Paid      int64
	Failed    int64
	Created   int64
	HighRisk  int64
	Refunded  int64
	Reversed  int64
	Cancelled int64
}

func (s *OrderStore) StatsSince(ctx context.Context, since time.Time) (*Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'paid'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'created'),
			COUNT(*) FILTER (WHERE risk_level = 'HIGH'),
			COUNT(*) FILTER (WHERE status = 'refunded'),
			COUNT(*) FILTER (WHERE status = 'reversed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM orders
		WHERE created_at >= $1
	`
	var stats Stats
	row := s.pool.QueryRow(ctx, query, since)
	if err := row.Scan(&stats.Total, &stats.Paid, &stats.Failed, &stats.Created,
		&stats.HighRisk, &stats.Refunded, &stats.Reversed, &stats.Cancelled); err != nil {
		return nil, fmt.Errorf("failed to load order stats: %w", err)
	}
	return &stats, nil
}

func (s *OrderStore) scanOne(row pgx.Row) (*models.Order, error) {
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

func (s *OrderStore) scanAll(rows pgx.Rows) ([]*models.Order, error) {
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order        models.Order
		captureID    pgtype.Text
		failure      pgtype.Text
		tracking     pgtype.Text
		lastEventID  pgtype.Text
		itemsJSON    []byte
		addressJSON  []byte
		customerJSON []byte
		approvedAt   pgtype.Timestamptz
		paidAt       pgtype.Timestamptz
		failedAt     pgtype.Timestamptz
		voidedAt     pgtype.Timestamptz
		refundedAt   pgtype.Timestamptz
		reversedAt   pgtype.Timestamptz
	)

	err := row.Scan(
		&order.ID, &order.UserID, &order.ProviderOrderID, &captureID, &order.Receipt,
		&order.Amount, &order.Currency, &itemsJSON, &addressJSON, &customerJSON,
		&order.Status, &order.DeliveryStatus, &order.RiskLevel, &failure, &tracking,
		&lastEventID, &order.CreatedAt, &approvedAt, &paidAt, &failedAt,
		&voidedAt, &refundedAt, &reversedAt,
	)
	if err != nil {
		return nil, err
	}

	order.CaptureID = captureID.String
	order.FailureReason = failure.String
	order.TrackingNumber = tracking.String
	order.LastEventID = lastEventID.String

	if err := json.Unmarshal(itemsJSON, &order.Items); err != nil {
		return nil, fmt.Errorf("failed to decode items: %w", err)
	}
	if len(addressJSON) > 0 {
		if err := json.Unmarshal(addressJSON, &order.ShippingAddress); err != nil {
			return nil, fmt.Errorf("failed to decode shipping address: %w", err)
		}
	}
	if len(customerJSON) > 0 {
		if err := json.Unmarshal(customerJSON, &order.Customer); err != nil {
			return nil, fmt.Errorf("failed to decode customer: %w", err)
		}
	}

	order.ApprovedAt = approvedAt.Time
	order.PaidAt = paidAt.Time
	order.FailedAt = failedAt.Time
	order.VoidedAt = voidedAt.Time
	order.RefundedAt = refundedAt.Time
	order.ReversedAt = reversedAt.Time
	return &order, nil
}
