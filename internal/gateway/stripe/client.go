// Package stripe implements the payment gateway on top of the Stripe API.
package stripe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/xenking/marketplace/internal/domain/payment"
)

// Provider event types the engine acts on.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeCaptured  = "charge.captured"
	EventChargeRefunded  = "charge.refunded"
)

// DefaultTolerance is the accepted age of a webhook signature.
const DefaultTolerance = 5 * time.Minute

var (
	_ payment.Verifier     = (*Client)(nil)
	_ payment.Refunder     = (*Client)(nil)
	_ payment.RefundLister = (*Client)(nil)
)

// Options configures a Client.
type Options struct {
	SecretKey     string
	WebhookSecret string
	// Tolerance is the maximum signature age. Zero means DefaultTolerance.
	Tolerance time.Duration
	// Backends overrides the API backends, mainly for tests.
	Backends *stripe.Backends
}

// Client verifies webhooks and issues refunds.
type Client struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.SecretKey == "" && opts.WebhookSecret == "" {
		return nil, errors.New("secret key or webhook secret is required")
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	return &Client{
		api:           client.New(opts.SecretKey, opts.Backends),
		webhookSecret: opts.WebhookSecret,
		tolerance:     opts.Tolerance,
	}, nil
}

// Verify checks the Stripe-Signature header against the raw body and maps
// the event onto the closed payment.Event variant.
func (c *Client) Verify(payload []byte, signature string) (payment.Event, error) {
	if c.webhookSecret == "" {
		return nil, &payment.SignatureError{Err: errors.New("webhook secret not configured")}
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                c.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureErr(err) {
			return nil, &payment.SignatureError{Err: err}
		}
		return nil, &payment.PayloadError{Field: "event", Err: err}
	}
	return mapEvent(ev)
}

func isSignatureErr(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func mapEvent(ev stripe.Event) (payment.Event, error) {
	env := payment.Envelope{
		ID:        ev.ID,
		Type:      string(ev.Type),
		CreatedAt: time.Unix(ev.Created, 0).UTC(),
	}

	switch string(ev.Type) {
	case EventChargeSucceeded, EventChargeCaptured:
		ch, err := decodeCharge(ev)
		if err != nil {
			return nil, err
		}
		if !ch.Captured {
			return &payment.Ignored{Envelope: env, Reason: "charge not captured"}, nil
		}
		return capturedFromCharge(env, ch)
	case EventChargeRefunded:
		ch, err := decodeCharge(ev)
		if err != nil {
			return nil, err
		}
		if !ch.Refunded {
			return &payment.Ignored{Envelope: env, Reason: "partial refund"}, nil
		}
		return refundedFromCharge(env, ch), nil
	default:
		return &payment.Ignored{Envelope: env, Reason: "unhandled event type"}, nil
	}
}

func decodeCharge(ev stripe.Event) (*stripe.Charge, error) {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, &payment.PayloadError{Field: "data.object", Err: errors.New("empty")}
	}
	var ch stripe.Charge
	if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
		return nil, &payment.PayloadError{Field: "data.object", Err: err}
	}
	if ch.ID == "" {
		return nil, &payment.PayloadError{Field: "charge.id", Err: errors.New("empty")}
	}
	return &ch, nil
}

func capturedFromCharge(env payment.Envelope, ch *stripe.Charge) (*payment.ChargeCaptured, error) {
	userID := ch.Metadata[payment.MetadataUserID]
	if userID == "" {
		return nil, &payment.PayloadError{Field: "metadata." + payment.MetadataUserID, Err: errors.New("empty")}
	}
	lines, err := payment.DecodeLines(ch.Metadata[payment.MetadataCartItems])
	if err != nil {
		return nil, &payment.PayloadError{Field: "metadata." + payment.MetadataCartItems, Err: err}
	}

	out := &payment.ChargeCaptured{
		Envelope:        env,
		ChargeID:        ch.ID,
		PaymentIntentID: paymentIntentID(ch),
		ReceiptURL:      ch.ReceiptURL,
		AmountCaptured:  ch.AmountCaptured,
		Currency:        string(ch.Currency),
		UserID:          userID,
		Lines:           lines,
	}
	if s := ch.Shipping; s != nil {
		out.Shipping.Name = s.Name
		if a := s.Address; a != nil {
			out.Shipping.Line1 = a.Line1
			out.Shipping.Line2 = a.Line2
			out.Shipping.City = a.City
			out.Shipping.State = a.State
			out.Shipping.PostalCode = a.PostalCode
			out.Shipping.Country = a.Country
		}
	}
	return out, nil
}

func refundedFromCharge(env payment.Envelope, ch *stripe.Charge) *payment.ChargeRefunded {
	out := &payment.ChargeRefunded{
		Envelope:        env,
		ChargeID:        ch.ID,
		PaymentIntentID: paymentIntentID(ch),
		RefundStatus:    payment.RefundStatusSucceeded,
	}
	// The refund list on the charge is newest first.
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 && ch.Refunds.Data[0] != nil {
		r := ch.Refunds.Data[0]
		out.RefundID = r.ID
		out.RefundStatus = string(r.Status)
	}
	return out
}

func paymentIntentID(ch *stripe.Charge) string {
	if ch.PaymentIntent == nil {
		return ""
	}
	return ch.PaymentIntent.ID
}

// Refund fully refunds a payment intent.
func (c *Client) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) (string, error) {
	if paymentIntentID == "" {
		return "", &payment.GatewayError{Op: "refund", Err: errors.New("order has no payment intent")}
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	r, err := c.api.Refunds.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return "", payment.ErrAlreadyRefunded
		}
		return "", &payment.GatewayError{Op: "refund", Err: err}
	}
	return r.ID, nil
}

// ListRefunds calls fn for every refund created at or after since, newest
// first. Iteration stops at the first error returned by fn.
func (c *Client) ListRefunds(ctx context.Context, since time.Time, fn func(payment.RefundRecord) error) error {
	params := &stripe.RefundListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.AddExpand("data.charge")

	it := c.api.Refunds.List(params)
	for it.Next() {
		r := it.Refund()
		rec := payment.RefundRecord{
			RefundID:  r.ID,
			Status:    string(r.Status),
			CreatedAt: time.Unix(r.Created, 0).UTC(),
		}
		if r.Charge != nil {
			rec.ChargeID = r.Charge.ID
			rec.ChargeRefunded = r.Charge.Refunded
		}
		if r.PaymentIntent != nil {
			rec.PaymentIntentID = r.PaymentIntent.ID
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return &payment.GatewayError{Op: "list refunds", Err: err}
	}
	return nil
}
