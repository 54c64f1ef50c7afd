package paypal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Webhook event types the reconciliation pipeline acts on.
const (
	EventCheckoutOrderApproved = "CHECKOUT.ORDER.APPROVED"
	EventCaptureCompleted      = "PAYMENT.CAPTURE.COMPLETED"
	EventCaptureDenied         = "PAYMENT.CAPTURE.DENIED"
	// Some provider configurations deliver a denied capture as DECLINED;
	// both mean the same failed payment.
	EventCaptureDeclined     = "PAYMENT.CAPTURE.DECLINED"
	EventCaptureRefunded     = "PAYMENT.CAPTURE.REFUNDED"
	EventCaptureReversed     = "PAYMENT.CAPTURE.REVERSED"
	EventCheckoutOrderVoided = "CHECKOUT.ORDER.VOIDED"
)

// Event is a webhook delivery envelope. Resource stays raw until the
// router knows which typed shape applies.
type Event struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
	CreateTime   time.Time       `json:"create_time"`
}

func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("webhook event missing id")
	}
	if event.EventType == "" {
		return nil, fmt.Errorf("webhook event missing event_type")
	}
	return &event, nil
}

// OrderResource is the resource of checkout order events.
type OrderResource struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

// CaptureResource is the resource of payment capture events. The parent
// checkout order ID arrives under supplementary_data.
type CaptureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Amount            money  `json:"amount"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// OrderID returns the parent checkout order this capture belongs to.
func (c *CaptureResource) OrderID() string {
	return c.SupplementaryData.RelatedIDs.OrderID
}

// AmountMinor converts the capture amount to minor units.
func (c *CaptureResource) AmountMinor() (int64, error) {
	return ParseAmount(c.Amount.Value)
}

func (e *Event) OrderResource() (*OrderResource, error) {
	var resource OrderResource
	if err := json.Unmarshal(e.Resource, &resource); err != nil {
		return nil, fmt.Errorf("invalid order resource: %w", err)
	}
	if resource.ID == "" {
		return nil, fmt.Errorf("order resource missing id")
	}
	return &resource, nil
}

func (e *Event) CaptureResource() (*CaptureResource, error) {
	var resource CaptureResource
	if err := json.Unmarshal(e.Resource, &resource); err != nil {
		return nil, fmt.Errorf("invalid capture resource: %w", err)
	}
	if resource.ID == "" {
		return nil, fmt.Errorf("capture resource missing id")
	}
	return &resource, nil
}
