package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/stonearbor/stonearbor/internal/auth"
	"github.com/stonearbor/stonearbor/internal/db"
	"github.com/stonearbor/stonearbor/internal/models"
	"github.com/stonearbor/stonearbor/internal/risk"
	"github.com/stonearbor/stonearbor/internal/services"
)

type createOrderRequest struct {
	Amount          int64             `json:"amount"`
	Items           []models.LineItem `json:"items"`
	ShippingAddress models.Address    `json:"shipping_address"`
	Customer        models.Customer   `json:"customer"`
}

type createOrderResponse struct {
	OK    bool `json:"ok"`
	Order struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"order"`
	// ProviderKey is the provider order id the storefront hands to the
	// checkout widget.
	ProviderKey string `json:"provider_key"`
}

// CreateOrder handles POST /api/payments/orders.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.paymentService.CreateOrder(ctx, services.CreateOrderInput{
		UserID:          identity.UserID,
		ClientIP:        clientIP(r),
		Amount:          req.Amount,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		Customer:        req.Customer,
	})
	if err != nil {
		var validationErr *risk.ValidationError
		var rateErr *risk.RateLimitError
		var dupErr *services.DuplicateOrderError
		switch {
		case errors.As(err, &validationErr):
			writeError(w, http.StatusBadRequest, validationErr.Error())
		case errors.As(err, &rateErr):
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateErr.RetryAfter)))
			writeError(w, http.StatusTooManyRequests, "too many order attempts, slow down")
		case errors.As(err, &dupErr):
			writeJSON(w, http.StatusConflict, map[string]any{
				"ok":                false,
				"error":             "an identical order was placed moments ago",
				"existing_order_id": dupErr.ExistingOrderID.String(),
			})
		default:
			logger.Error("order creation failed", "error", err, "user_id", identity.UserID)
			writeError(w, http.StatusInternalServerError, "failed to create order")
		}
		return
	}

	resp := createOrderResponse{OK: true, ProviderKey: order.ProviderOrderID}
	resp.Order.ID = order.ID.String()
	resp.Order.Amount = order.Amount
	resp.Order.Currency = order.Currency
	writeJSON(w, http.StatusOK, resp)
}

type verifyPaymentRequest struct {
	ProviderOrderID string `json:"provider_order_id"`
	PaymentID       string `json:"payment_id"`
	Signature       string `json:"signature"`
}

// VerifyPayment handles POST /api/payments/verify, the synchronous
// confirmation the storefront calls after provider checkout returns.
func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	var req verifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderOrderID == "" || req.PaymentID == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "provider_order_id, payment_id, and signature are required")
		return
	}

	order, err := h.paymentService.VerifyPayment(ctx, services.VerifyPaymentInput{
		ProviderOrderID: req.ProviderOrderID,
		PaymentID:       req.PaymentID,
		Signature:       req.Signature,
	})
	if err != nil {
		var verifyErr *services.VerificationError
		switch {
		case errors.Is(err, services.ErrInvalidSignature):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"ok": false, "valid": false, "error": "signature verification failed",
			})
		case errors.As(err, &verifyErr):
			if verifyErr.CanRetry && verifyErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(verifyErr.RetryAfter)))
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"ok":        false,
				"valid":     false,
				"error":     "payment verification failed",
				"can_retry": verifyErr.CanRetry,
			})
		case errors.Is(err, db.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		default:
			logger.Error("payment verification failed", "error", err, "provider_order_id", req.ProviderOrderID)
			writeError(w, http.StatusInternalServerError, "failed to verify payment")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"valid":    true,
		"order_id": order.ID.String(),
		"status":   order.Status,
	})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
