package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// RefundStatusSucceeded is the provider status of a completed refund.
const RefundStatusSucceeded = "succeeded"

// ErrAlreadyRefunded is returned by Refund when the provider reports the
// charge as refunded already. Callers reconcile local state as if the refund
// had just succeeded.
var ErrAlreadyRefunded = errors.New("charge already refunded at provider")

// Verifier authenticates a raw webhook body and decodes it into an Event.
type Verifier interface {
	// Verify returns *SignatureError for a bad signature and *PayloadError for
	// a correctly signed body this system cannot interpret.
	Verify(payload []byte, signature string) (Event, error)
}

// Refunder issues refunds at the provider.
type Refunder interface {
	// Refund fully refunds the payment intent. The idempotency key makes
	// retries of one attempt resolve to one provider refund. Refunding an
	// already refunded intent returns ErrAlreadyRefunded.
	Refund(ctx context.Context, paymentIntentID, idempotencyKey string) (refundID string, err error)
}

// RefundRecord is a refund as listed by the provider.
type RefundRecord struct {
	RefundID        string
	ChargeID        string
	PaymentIntentID string
	Status          string
	// ChargeRefunded reports whether the whole charge is refunded. Partial
	// refunds leave orders untouched.
	ChargeRefunded bool
	CreatedAt      time.Time
}

// RefundLister enumerates provider refunds created since a point in time.
type RefundLister interface {
	ListRefunds(ctx context.Context, since time.Time, fn func(RefundRecord) error) error
}

// SignatureError indicates a missing, malformed, stale or forged signature.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid webhook signature: %v", e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// PayloadError indicates a verified event whose contents are unusable.
type PayloadError struct {
	Field string
	Err   error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid event payload field %q: %v", e.Field, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// GatewayError wraps a failed provider call.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
