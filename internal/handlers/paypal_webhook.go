package handlers

import (
	"io"
	"net/http"

	"github.com/stonearbor/stonearbor/internal/paypal"
)

// PayPalWebhook receives provider event notifications. The provider retries
// any non-2xx response, so every event that parses is acknowledged with 200
// even when processing fails; failures are logged and the ledger entry keeps
// a redelivery from running the handlers twice.
func (h *Handlers) PayPalWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read PayPal webhook payload", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}

	event, err := paypal.ParseEvent(payload)
	if err != nil {
		logger.Error("failed to parse PayPal webhook event", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}

	duplicate, err := h.ledgerStore.IsDuplicate(ctx, event.ID)
	if err != nil {
		// A broken ledger must not drop payment events; fall through and
		// rely on the status guards for idempotency.
		logger.Error("webhook ledger lookup failed", "error", err, "event_id", event.ID)
	}
	if duplicate {
		logger.Info("webhook already processed", "event_id", event.ID, "type", event.EventType)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	if err := h.ledgerStore.MarkProcessed(ctx, event.ID, event.EventType); err != nil {
		logger.Error("failed to record webhook event in ledger", "error", err, "event_id", event.ID)
	}

	if err := h.paypalRouter.Handle(ctx, event); err != nil {
		logger.Error("failed to process PayPal webhook", "error", err, "event_id", event.ID, "type", event.EventType)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
