package orders

import (
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
)

// Item is the catalog snapshot taken when the order was created.
type Item struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
}

type Order struct {
	ID                 string        `json:"id"`
	Status             Status        `json:"status"`
	PaymentStatus      PaymentStatus `json:"payment_status"`
	Items              []Item        `json:"items"`
	TotalCents         int64         `json:"total_cents"`
	ExpiresAt          time.Time     `json:"expires_at"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	ConfirmedAt        *time.Time    `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
}

// Lines converts the snapshot back into ledger lines for release.
func (o *Order) Lines() []inventory.Line {
	out := make([]inventory.Line, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, inventory.Line{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return out
}

// Remaining is the time left in the reservation window, zero once past.
func (o *Order) Remaining(now time.Time) time.Duration {
	if d := o.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (o *Order) clone() *Order {
	cp := *o
	cp.Items = append([]Item(nil), o.Items...)
	if o.ConfirmedAt != nil {
		t := *o.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

func itemsFrom(reserved []inventory.Reserved) ([]Item, int64) {
	items := make([]Item, 0, len(reserved))
	var total int64
	for _, r := range reserved {
		items = append(items, Item{ProductID: r.ProductID, Name: r.Name, UnitPriceCents: r.UnitPriceCents, Quantity: r.Qty})
		total += r.UnitPriceCents * int64(r.Qty)
	}
	return items, total
}

// applyTransition sets the fields that travel with a status change.
func applyTransition(o *Order, to Status, reason string, now time.Time) {
	o.Status = to
	o.UpdatedAt = now
	switch to {
	case StatusCancelled:
		o.PaymentStatus = PaymentCancelled
		o.CancelledAt = &now
		o.CancellationReason = reason
	case StatusConfirmed:
		o.PaymentStatus = PaymentPaid
		o.ConfirmedAt = &now
	}
}
