package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/stonearbor/stonearbor/internal/auth"
	"github.com/stonearbor/stonearbor/internal/db"
	"github.com/stonearbor/stonearbor/internal/models"
)

// ListOrders handles GET /api/orders for the authenticated user.
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}

	orders, err := h.paymentService.ListOrders(ctx, identity.UserID, limit)
	if err != nil {
		h.loggerFromContext(ctx).Error("failed to list orders", "error", err, "user_id", identity.UserID)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "orders": orders})
}

// GetOrder handles GET /api/orders/{id}, scoped to the order's owner.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.paymentService.GetOrderForUser(ctx, orderID, identity.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.loggerFromContext(ctx).Error("failed to load order", "error", err, "order_id", orderID)
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "order": order})
}

type updateDeliveryRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
}

// UpdateDelivery handles POST /admin/orders/{id}/delivery.
func (h *Handlers) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	orderID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req updateDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := models.DeliveryStatus(req.Status)
	if !models.ValidDeliveryStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown delivery status")
		return
	}

	if err := h.paymentService.UpdateDelivery(ctx, orderID, status, req.TrackingNumber); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, db.ErrInvalidStatusTransition):
			writeError(w, http.StatusConflict, "delivery can only be updated on paid orders")
		default:
			logger.Error("failed to update delivery", "error", err, "order_id", orderID)
			writeError(w, http.StatusInternalServerError, "failed to update delivery")
		}
		return
	}

	logger.Info("delivery updated", "order_id", orderID, "status", status)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// PaymentHealth handles GET /admin/payments/health.
func (h *Handlers) PaymentHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	summary, err := h.healthService.Summary(ctx)
	if err != nil {
		h.loggerFromContext(ctx).Error("failed to compute payment health", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute payment health")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
