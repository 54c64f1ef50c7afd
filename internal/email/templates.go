// Package email provides email templates.
package email

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/stonearbor/stonearbor/internal/models"
)

// OrderInfo contains all the information needed for order email templates
type OrderInfo struct {
	Receipt         string
	CustomerName    string
	CustomerEmail   string
	OrderDate       string
	Items           []OrderItem
	Total           string
	Currency        string
	ShippingAddress string
	FailureReason   string
}

// OrderItem represents a single item in an order
type OrderItem struct {
	Name      string
	Quantity  int
	UnitPrice string
	LineTotal string
}

// Renderer provides methods to render email templates
type Renderer struct {
	templates *template.Template
}

// NewRenderer creates a new email template renderer with built-in templates
func NewRenderer() (*Renderer, error) {
	templates := map[string]struct {
		HTML string
		Text string
	}{
		"order_confirmation": {HTML: orderConfirmationHTML, Text: orderConfirmationText},
		"payment_failed":     {HTML: paymentFailedHTML, Text: paymentFailedText},
	}

	tmpl := template.New("email")
	for key, t := range templates {
		if _, err := tmpl.New(key + "_html").Parse(t.HTML); err != nil {
			return nil, fmt.Errorf("failed to parse HTML template %s: %w", key, err)
		}
		if _, err := tmpl.New(key + "_text").Parse(t.Text); err != nil {
			return nil, fmt.Errorf("failed to parse text template %s: %w", key, err)
		}
	}

	return &Renderer{templates: tmpl}, nil
}

// Render renders an email template with the given data
func (r *Renderer) Render(templateName string, data *OrderInfo) (*Email, error) {
	var htmlBuf, textBuf bytes.Buffer

	if err := r.templates.ExecuteTemplate(&htmlBuf, templateName+"_html", data); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}
	if err := r.templates.ExecuteTemplate(&textBuf, templateName+"_text", data); err != nil {
		return nil, fmt.Errorf("failed to render text template: %w", err)
	}

	subject := ""
	switch templateName {
	case "order_confirmation":
		subject = fmt.Sprintf("Order Confirmed - %s - Stonearbor", data.Receipt)
	case "payment_failed":
		subject = fmt.Sprintf("Payment Failed - %s - Stonearbor", data.Receipt)
	}

	return &Email{
		To:      data.CustomerEmail,
		Subject: subject,
		Text:    textBuf.String(),
		HTML:    htmlBuf.String(),
	}, nil
}

// BuildOrderInfo flattens an order into the template model, formatting
// minor-unit amounts as decimal strings.
func BuildOrderInfo(order *models.Order, user *models.User) *OrderInfo {
	info := &OrderInfo{
		Receipt:       order.Receipt,
		CustomerName:  order.Customer.Name,
		CustomerEmail: order.Customer.Email,
		OrderDate:     order.CreatedAt.Format("January 2, 2006"),
		Total:         formatMinor(order.Amount),
		Currency:      order.Currency,
		FailureReason: order.FailureReason,
	}
	if user != nil {
		if info.CustomerName == "" {
			info.CustomerName = user.Name
		}
		if info.CustomerEmail == "" {
			info.CustomerEmail = user.Email
		}
	}

	addr := order.ShippingAddress
	if addr.Street != "" {
		info.ShippingAddress = fmt.Sprintf("%s, %s %s, %s", addr.Street, addr.City, addr.PostalCode, addr.Country)
	}

	for _, item := range order.Items {
		info.Items = append(info.Items, OrderItem{
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: formatMinor(item.UnitPrice),
			LineTotal: formatMinor(item.UnitPrice * int64(item.Quantity)),
		})
	}
	return info
}

// SendOrderConfirmation sends an order confirmation email
func SendOrderConfirmation(ctx context.Context, p Provider, orderInfo *OrderInfo) error {
	return sendTemplated(ctx, p, "order_confirmation", orderInfo)
}

// SendPaymentFailed sends a payment failure notice
func SendPaymentFailed(ctx context.Context, p Provider, orderInfo *OrderInfo) error {
	return sendTemplated(ctx, p, "payment_failed", orderInfo)
}

func sendTemplated(ctx context.Context, p Provider, templateName string, orderInfo *OrderInfo) error {
	if p == nil {
		return nil
	}

	renderer, err := NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	email, err := renderer.Render(templateName, orderInfo)
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}

	return p.SendEmail(ctx, email)
}

func formatMinor(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

const orderConfirmationText = `Thank you for your order!

Hi {{.CustomerName}},

Your payment was received and order {{.Receipt}} is confirmed.

Order placed: {{.OrderDate}}
{{range .Items}}
- {{.Name}} x{{.Quantity}} @ {{.UnitPrice}} = {{.LineTotal}}
{{- end}}

Total: {{.Total}} {{.Currency}}
{{if .ShippingAddress}}
Shipping to: {{.ShippingAddress}}
{{end}}
We'll email you again once your order ships.

The Stonearbor Team
`

const orderConfirmationHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Georgia, serif; color: #2d2a26; max-width: 600px; margin: 0 auto;">
  <h2>Thank you for your order!</h2>
  <p>Hi {{.CustomerName}},</p>
  <p>Your payment was received and order <strong>{{.Receipt}}</strong> is confirmed.</p>
  <p>Order placed: {{.OrderDate}}</p>
  <table width="100%" cellpadding="6" style="border-collapse: collapse;">
    <tr style="border-bottom: 1px solid #d8d2c8; text-align: left;">
      <th>Item</th><th>Qty</th><th>Price</th><th>Total</th>
    </tr>
    {{range .Items}}
    <tr style="border-bottom: 1px solid #eee9e0;">
      <td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.LineTotal}}</td>
    </tr>
    {{end}}
  </table>
  <p><strong>Total: {{.Total}} {{.Currency}}</strong></p>
  {{if .ShippingAddress}}<p>Shipping to: {{.ShippingAddress}}</p>{{end}}
  <p>We'll email you again once your order ships.</p>
  <p>The Stonearbor Team</p>
</body>
</html>
`

const paymentFailedText = `Payment failed for order {{.Receipt}}

Hi {{.CustomerName}},

We couldn't complete the payment for your order.
{{if .FailureReason}}
Reason: {{.FailureReason}}
{{end}}
No money has been taken for this order. You can retry the payment from
your orders page, or contact support if the problem persists.

The Stonearbor Team
`

const paymentFailedHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Georgia, serif; color: #2d2a26; max-width: 600px; margin: 0 auto;">
  <h2>Payment failed for order {{.Receipt}}</h2>
  <p>Hi {{.CustomerName}},</p>
  <p>We couldn't complete the payment for your order.</p>
  {{if .FailureReason}}<p>Reason: {{.FailureReason}}</p>{{end}}
  <p>No money has been taken for this order. You can retry the payment from
  your orders page, or contact support if the problem persists.</p>
  <p>The Stonearbor Team</p>
</body>
</html>
`
