package paypal

import "fmt"

// GatewayError is a non-2xx response from the provider API.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("paypal api returned %d: %s", e.StatusCode, e.Body)
}

// AmountMismatchError means the remote order's amount differs from the
// local order by more than one minor unit. Amounts are minor units.
type AmountMismatchError struct {
	Expected int64
	Got      int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("order amount mismatch: expected %d, provider has %d", e.Expected, e.Got)
}

type CurrencyMismatchError struct {
	Expected string
	Got      string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("order currency mismatch: expected %s, provider has %s", e.Expected, e.Got)
}

// OrderNotApprovedError means the remote order has not been approved by
// the payer, so a local paid transition must not happen.
type OrderNotApprovedError struct {
	Status string
}

func (e *OrderNotApprovedError) Error() string {
	return fmt.Sprintf("order not approved by payer: status %s", e.Status)
}
