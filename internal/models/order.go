package models

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	StatusCreated   OrderStatus = "created"
	StatusApproved  OrderStatus = "approved"
	StatusPaid      OrderStatus = "paid"
	StatusFailed    OrderStatus = "failed"
	StatusCancelled OrderStatus = "cancelled"
	StatusRefunded  OrderStatus = "refunded"
	StatusReversed  OrderStatus = "reversed"
)

// DeliveryStatus tracks fulfilment independently of payment status; it only
// becomes meaningful once the order is paid.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliveryShipped    DeliveryStatus = "shipped"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryCancelled  DeliveryStatus = "cancelled"
)

func ValidDeliveryStatus(status DeliveryStatus) bool {
	switch status {
	case DeliveryPending, DeliveryProcessing, DeliveryShipped, DeliveryDelivered, DeliveryCancelled:
		return true
	default:
		return false
	}
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

type LineItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	// UnitPrice is in the smallest currency unit (paise, cents).
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Category  string `json:"category,omitempty"`
}

type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
}

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Order struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	// ProviderOrderID is assigned by the payment provider at creation time
	// and is unique across orders. CaptureID is set once the payment is
	// captured.
	ProviderOrderID string `json:"provider_order_id"`
	CaptureID       string `json:"capture_id,omitempty"`
	Receipt         string `json:"receipt"`

	// Amount is the order total in the smallest currency unit.
	Amount   int64      `json:"amount"`
	Currency string     `json:"currency"`
	Items    []LineItem `json:"items"`

	ShippingAddress Address  `json:"shipping_address"`
	Customer        Customer `json:"customer"`

	Status         OrderStatus    `json:"status"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	TrackingNumber string         `json:"tracking_number,omitempty"`

	// LastEventID is the most recent provider webhook event applied to this
	// order, kept for audit.
	LastEventID string `json:"last_event_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ApprovedAt time.Time `json:"approved_at,omitzero"`
	PaidAt     time.Time `json:"paid_at,omitzero"`
	FailedAt   time.Time `json:"failed_at,omitzero"`
	VoidedAt   time.Time `json:"voided_at,omitzero"`
	RefundedAt time.Time `json:"refunded_at,omitzero"`
	ReversedAt time.Time `json:"reversed_at,omitzero"`
}

// TotalQuantity sums the quantities of the line items.
func TotalQuantity(items []LineItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

// ProcessedEvent is an idempotency-ledger entry for a provider webhook
// delivery that has already been handled.
type ProcessedEvent struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}
