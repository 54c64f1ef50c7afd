package paypal

import (
	"testing"
)

func TestParseEvent(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"id": "WH-58D329510W468432D-8HN650336L201105X",
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource_type": "capture",
		"create_time": "2026-03-01T10:15:00Z",
		"resource": {
			"id": "3C679366HH908993F",
			"status": "COMPLETED",
			"amount": {"currency_code": "INR", "value": "1500.00"},
			"supplementary_data": {
				"related_ids": {"order_id": "5O190127TN364715T"}
			}
		}
	}`)

	event, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if event.EventType != EventCaptureCompleted {
		t.Fatalf("event type = %s, want %s", event.EventType, EventCaptureCompleted)
	}

	capture, err := event.CaptureResource()
	if err != nil {
		t.Fatalf("CaptureResource() error = %v", err)
	}
	if capture.OrderID() != "5O190127TN364715T" {
		t.Fatalf("order id = %s, want 5O190127TN364715T", capture.OrderID())
	}
	amount, err := capture.AmountMinor()
	if err != nil {
		t.Fatalf("AmountMinor() error = %v", err)
	}
	if amount != 150_000 {
		t.Fatalf("amount = %d, want 150000", amount)
	}
}

func TestParseEventRejectsIncompleteEnvelopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{"id":`},
		{name: "missing id", payload: `{"event_type": "PAYMENT.CAPTURE.COMPLETED"}`},
		{name: "missing event type", payload: `{"id": "WH-1"}`},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseEvent([]byte(tc.payload)); err == nil {
				t.Fatal("ParseEvent() accepted an incomplete envelope")
			}
		})
	}
}

func TestOrderResource(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"id": "WH-2",
		"event_type": "CHECKOUT.ORDER.APPROVED",
		"resource": {
			"id": "5O190127TN364715T",
			"status": "APPROVED",
			"purchase_units": [{"amount": {"currency_code": "INR", "value": "1500.00"}}]
		}
	}`)

	event, err := ParseEvent(payload)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	order, err := event.OrderResource()
	if err != nil {
		t.Fatalf("OrderResource() error = %v", err)
	}
	if order.ID != "5O190127TN364715T" || order.Status != "APPROVED" {
		t.Fatalf("order = %+v, want id 5O190127TN364715T status APPROVED", order)
	}
}
