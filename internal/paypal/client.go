// Package paypal is the payment gateway client: order creation, remote
// verification, and webhook event parsing.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stonearbor/stonearbor/internal/logging"
	"github.com/stonearbor/stonearbor/internal/observability"
)

const (
	liveBaseURL    = "https://api-m.paypal.com"
	sandboxBaseURL = "https://api-m.sandbox.paypal.com"

	maxResponseBytes = 1 << 20

	// verifyAmountEpsilon tolerates one minor unit of rounding drift
	// between the local total and the provider's decimal representation.
	verifyAmountEpsilon = 1
)

type Config struct {
	ClientID     string
	ClientSecret string
	// Mode is "live" or "sandbox".
	Mode    string
	Timeout time.Duration

	// BaseURL overrides the mode-derived endpoint, for tests.
	BaseURL string
	// HTTPClient overrides the default instrumented client, for tests.
	HTTPClient *http.Client
}

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	tokens       tokenSource
	logger       *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("paypal client id and secret are required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Mode {
		case "live":
			baseURL = liveBaseURL
		case "sandbox", "":
			baseURL = sandboxBaseURL
		default:
			return nil, fmt.Errorf("unsupported paypal mode: %s", cfg.Mode)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = observability.NewHTTPClient(cfg.Timeout)
	}

	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
		tokens:       tokenSource{now: time.Now},
		logger:       logger,
	}, nil
}

// RemoteOrder is the provider's view of a checkout order.
type RemoteOrder struct {
	ID       string
	Status   string
	Amount   int64
	Currency string
}

type createOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	Amount      money  `json:"amount"`
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

// CreateOrder registers a capture-intent order with the provider and
// returns its ID. Amount is minor units; receipt becomes the purchase
// unit's reference so provider dashboards can be matched to local orders.
func (c *Client) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*RemoteOrder, error) {
	payload := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: receipt,
			Amount:      money{CurrencyCode: currency, Value: FormatAmount(amount)},
		}},
	}

	var created orderResponse
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", payload, &created); err != nil {
		return nil, fmt.Errorf("failed to create provider order: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("provider returned an order without an id")
	}

	logging.FromContext(ctx, c.logger).InfoContext(ctx, "provider order created",
		slog.String("provider_order_id", created.ID),
		slog.String("status", created.Status))

	return &RemoteOrder{ID: created.ID, Status: created.Status, Amount: amount, Currency: currency}, nil
}

// GetOrder fetches the provider's current view of an order.
func (c *Client) GetOrder(ctx context.Context, providerOrderID string) (*RemoteOrder, error) {
	var remote orderResponse
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+providerOrderID, nil, &remote); err != nil {
		return nil, fmt.Errorf("failed to fetch provider order: %w", err)
	}

	order := &RemoteOrder{ID: remote.ID, Status: remote.Status}
	if len(remote.PurchaseUnits) > 0 {
		unit := remote.PurchaseUnits[0]
		amount, err := ParseAmount(unit.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("provider order %s has unparseable amount %q: %w", providerOrderID, unit.Amount.Value, err)
		}
		order.Amount = amount
		order.Currency = unit.Amount.CurrencyCode
	}
	return order, nil
}

// VerifyOrder confirms the remote order matches the local one: currency
// equal, amount within one minor unit, and payer approval granted. A
// COMPLETED remote order also passes, since capture may race ahead of
// the client's return flow.
func (c *Client) VerifyOrder(ctx context.Context, providerOrderID string, expectedAmount int64, expectedCurrency string) (*RemoteOrder, error) {
	remote, err := c.GetOrder(ctx, providerOrderID)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(remote.Currency, expectedCurrency) {
		return nil, &CurrencyMismatchError{Expected: expectedCurrency, Got: remote.Currency}
	}
	diff := remote.Amount - expectedAmount
	if diff < -verifyAmountEpsilon || diff > verifyAmountEpsilon {
		return nil, &AmountMismatchError{Expected: expectedAmount, Got: remote.Amount}
	}
	if remote.Status != "APPROVED" && remote.Status != "COMPLETED" {
		return nil, &OrderNotApprovedError{Status: remote.Status}
	}
	return remote, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// ParseAmount converts the provider's decimal string to minor units.
// Only two-decimal currencies are supported.
func ParseAmount(value string) (int64, error) {
	whole, frac, _ := strings.Cut(value, ".")
	if whole == "" {
		return 0, fmt.Errorf("empty amount")
	}
	negative := false
	if whole[0] == '-' {
		negative = true
		whole = whole[1:]
	}

	var units int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
		units = units*10 + int64(r-'0')
	}

	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", value)
	}
	frac += strings.Repeat("0", 2-len(frac))
	amount := units * 100
	for i, r := range frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid amount %q", value)
		}
		if i == 0 {
			amount += int64(r-'0') * 10
		} else {
			amount += int64(r - '0')
		}
	}

	if negative {
		amount = -amount
	}
	return amount, nil
}

// FormatAmount renders minor units as the provider's decimal string.
func FormatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
