// Package payment defines the verified provider events the engine reacts to
// and the gateway operations it depends on.
//
// Event is a closed variant: ChargeCaptured, ChargeRefunded and Ignored are
// its only implementations. Dispatchers switch over the concrete types and
// must treat any other type as a programming error.
package payment

import "time"

// Kind identifies the variant of an Event.
type Kind string

const (
	KindChargeCaptured Kind = "charge_captured"
	KindChargeRefunded Kind = "charge_refunded"
	KindIgnored        Kind = "ignored"
)

// Event is a provider notification whose signature has been verified.
type Event interface {
	Kind() Kind
	Meta() Envelope
	event()
}

// Envelope carries provider bookkeeping common to every event.
type Envelope struct {
	// ID is the provider's event id; redeliveries reuse it.
	ID string
	// Type is the raw provider event type, kept for logging.
	Type      string
	CreatedAt time.Time
}

// Meta returns the envelope.
func (e Envelope) Meta() Envelope { return e }

func (Envelope) event() {}

// ChargeCaptured reports a payment that has been captured and should become
// an order.
type ChargeCaptured struct {
	Envelope

	ChargeID        string
	PaymentIntentID string
	ReceiptURL      string
	AmountCaptured  int64
	Currency        string
	Shipping        Address

	// UserID and Lines are decoded from the checkout metadata.
	UserID string
	Lines  []Line
}

func (*ChargeCaptured) Kind() Kind { return KindChargeCaptured }

// ChargeRefunded reports a charge that is fully refunded at the provider.
type ChargeRefunded struct {
	Envelope

	ChargeID        string
	PaymentIntentID string
	// RefundID may be empty when the provider payload omits the refund list.
	RefundID     string
	RefundStatus string
}

func (*ChargeRefunded) Kind() Kind { return KindChargeRefunded }

// Ignored is any verified event this system intentionally does not handle.
type Ignored struct {
	Envelope

	Reason string
}

func (*Ignored) Kind() Kind { return KindIgnored }

// Line is one purchased product as recorded in checkout metadata.
type Line struct {
	ProductID string
	Quantity  int
}

// Address is the shipping address snapshot captured with the charge.
type Address struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}
