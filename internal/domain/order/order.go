package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace/internal/domain/payment"
)

// Status is the payment lifecycle state of an order. Orders only exist once a
// charge is captured, so there is no pending state.
type Status string

const (
	StatusPaid      Status = "paid"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// DeliveryStatus is the fulfillment stage of an order.
type DeliveryStatus string

const (
	DeliveryNotProcessed DeliveryStatus = "NotProcessed"
	DeliveryProcessing   DeliveryStatus = "Processing"
	DeliveryDispatched   DeliveryStatus = "Dispatched"
	DeliveryDelivered    DeliveryStatus = "Delivered"
	DeliveryCancelled    DeliveryStatus = "Cancelled"
	DeliveryRefunded     DeliveryStatus = "Refunded"
)

// ParseDeliveryStatus validates a delivery status name.
func ParseDeliveryStatus(s string) (DeliveryStatus, bool) {
	switch ds := DeliveryStatus(s); ds {
	case DeliveryNotProcessed, DeliveryProcessing, DeliveryDispatched,
		DeliveryDelivered, DeliveryCancelled, DeliveryRefunded:
		return ds, true
	}
	return "", false
}

// Order is the durable record of one captured charge.
type Order struct {
	ID              string
	UserID          string
	ChargeID        string
	PaymentIntentID string
	ReceiptURL      string
	Status          Status
	DeliveryStatus  DeliveryStatus
	AmountCaptured  int64
	Currency        string
	Shipping        payment.Address
	Refunded        bool
	// RefundID is empty until refunded, and may stay empty when the provider
	// did not report one.
	RefundID  string
	Items     []Item
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item is the purchase-time snapshot of one order line. It never changes
// after the order is created.
type Item struct {
	ProductID string
	Title     string
	UnitPrice decimal.Decimal
	Image     string
	Quantity  int
}

// Subtotal returns the sum of unit price times quantity over all items.
func (o *Order) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}
