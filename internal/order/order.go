// Package order holds the persisted order model shared by checkout and renewals.
package order

import (
	"errors"
	"time"

	"github.com/noah-isme/toko-subscriptions/internal/pricing"
	"github.com/noah-isme/toko-subscriptions/internal/subscription"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrInvalidRetryLink is returned when a failed order cannot be linked to a retry.
	ErrInvalidRetryLink = errors.New("order cannot be linked to a retry")
)

// Kind distinguishes the first purchase from renewal payments.
type Kind string

const (
	KindCheckout Kind = "checkout"
	KindRenewal  Kind = "renewal"
)

// Status is the payment status of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Address is a billing or shipping address.
type Address struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Line1     string `json:"line1,omitempty"`
	Line2     string `json:"line2,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Postcode  string `json:"postcode,omitempty"`
	Country   string `json:"country,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// LineItem is a purchased product. Term is the billing term captured when it was bought.
type LineItem struct {
	ProductID   string                    `json:"product_id"`
	Name        string                    `json:"name"`
	CategoryIDs []string                  `json:"category_ids,omitempty"`
	Quantity    int                       `json:"quantity"`
	UnitPrice   pricing.Money             `json:"unit_price"`
	Taxable     bool                      `json:"taxable"`
	Term        *subscription.BillingTerm `json:"term,omitempty"`
	Subtotal    pricing.Money             `json:"subtotal"`
	Tax         pricing.Money             `json:"tax"`
	Total       pricing.Money             `json:"total"`
}

// Fee is an extra charge on an order.
type Fee struct {
	Name    string        `json:"name"`
	Amount  pricing.Money `json:"amount"`
	Taxable bool          `json:"taxable"`
	Tax     pricing.Money `json:"tax"`
}

// ShippingLine records the shipping method charged on an order.
type ShippingLine struct {
	MethodID string        `json:"method_id"`
	Label    string        `json:"label"`
	Cost     pricing.Money `json:"cost"`
	Taxable  bool          `json:"taxable"`
	Tax      pricing.Money `json:"tax"`
}

// TaxLine is the total charged for one tax rate.
type TaxLine struct {
	RateID   string        `json:"rate_id"`
	Label    string        `json:"label"`
	Compound bool          `json:"compound"`
	Amount   pricing.Money `json:"amount"`
}

// Totals summarises the money on an order.
type Totals struct {
	Subtotal pricing.Money `json:"subtotal"`
	Discount pricing.Money `json:"discount"`
	Shipping pricing.Money `json:"shipping"`
	Fees     pricing.Money `json:"fees"`
	Tax      pricing.Money `json:"tax"`
	Total    pricing.Money `json:"total"`
}

// Order is a checkout order or a renewal of one. Renewal orders point at the original purchase
// through ParentID and, when retrying a failed payment, at that attempt through FailedOrderID.
type Order struct {
	ID            string         `json:"id"`
	ParentID      string         `json:"parent_id,omitempty"`
	FailedOrderID string         `json:"failed_order_id,omitempty"`
	RetriedBy     string         `json:"retried_by,omitempty"`
	Kind          Kind           `json:"kind"`
	Status        Status         `json:"status"`
	Currency      string         `json:"currency"`
	Billing       Address        `json:"billing"`
	Shipping      Address        `json:"shipping"`
	PaymentMethod string         `json:"payment_method"`
	Items         []LineItem     `json:"items"`
	Fees          []Fee          `json:"fees,omitempty"`
	ShippingLines []ShippingLine `json:"shipping_lines,omitempty"`
	TaxLines      []TaxLine      `json:"tax_lines,omitempty"`
	Coupons       []string       `json:"coupons,omitempty"`
	Totals        Totals         `json:"totals"`
	CustomerIP    string         `json:"customer_ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// IsRenewal reports whether o pays for an existing subscription.
func (o Order) IsRenewal() bool {
	return o.Kind == KindRenewal
}

// OriginalID returns the id of the purchase that started the subscription o belongs to.
func (o Order) OriginalID() string {
	if o.IsRenewal() && o.ParentID != "" {
		return o.ParentID
	}
	return o.ID
}

// ShippingMethod returns the first shipping method charged on o.
func (o Order) ShippingMethod() string {
	if len(o.ShippingLines) == 0 {
		return ""
	}
	return o.ShippingLines[0].MethodID
}
