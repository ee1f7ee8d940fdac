// Package webhook verifies payment provider events and routes them to the
// order services.
package webhook

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/domain/payment"
)

// Outcome is what processing an event did.
type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeRefunded        Outcome = "refunded"
	OutcomeAlreadyRefunded Outcome = "already_refunded"
	OutcomeIgnored         Outcome = "ignored"
)

// Result describes a processed event.
type Result struct {
	EventID   string
	EventType string
	Kind      payment.Kind
	Outcome   Outcome
	// Order is nil for ignored events.
	Order *order.Order
}

// Materializer creates orders from captured charges.
type Materializer interface {
	Materialize(ctx context.Context, ev *payment.ChargeCaptured) (*order.MaterializeResult, error)
}

// RefundReconciler applies provider-executed refunds.
type RefundReconciler interface {
	ReconcileProviderRefund(ctx context.Context, ev *payment.ChargeRefunded) (*order.RefundResult, error)
}

// Ingestor is the entry point for provider callbacks.
type Ingestor struct {
	verifier payment.Verifier
	orders   Materializer
	refunds  RefundReconciler
	events   metric.Int64Counter
}

// NewIngestor creates an Ingestor. A nil meter provider disables metrics.
func NewIngestor(
	verifier payment.Verifier,
	orders Materializer,
	refunds RefundReconciler,
	mp metric.MeterProvider,
) (*Ingestor, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	events, err := mp.Meter("github.com/xenking/marketplace/internal/webhook").Int64Counter(
		"market.webhook.events",
		metric.WithDescription("Payment provider events by kind and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create events counter")
	}
	return &Ingestor{
		verifier: verifier,
		orders:   orders,
		refunds:  refunds,
		events:   events,
	}, nil
}

// Ingest authenticates a raw callback body and processes the event it
// carries. Signature and payload failures are returned as
// *payment.SignatureError and *payment.PayloadError before anything is
// touched. Every error leaves state unchanged, so the provider may retry.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (*Result, error) {
	ev, err := i.verifier.Verify(payload, signature)
	if err != nil {
		i.record(ctx, "unverified", "rejected")
		zctx.From(ctx).Warn("Webhook rejected", zap.Error(err))
		return nil, err
	}
	return i.Dispatch(ctx, ev)
}

// Dispatch processes an already verified event.
func (i *Ingestor) Dispatch(ctx context.Context, ev payment.Event) (_ *Result, rerr error) {
	meta := ev.Meta()
	lg := zctx.From(ctx).With(
		zap.String("event_id", meta.ID),
		zap.String("event_type", meta.Type),
	)
	ctx = zctx.Base(ctx, lg)

	res := &Result{EventID: meta.ID, EventType: meta.Type, Kind: ev.Kind()}
	defer func() {
		outcome := string(res.Outcome)
		if rerr != nil {
			outcome = "error"
		}
		i.record(ctx, string(res.Kind), outcome)
	}()

	switch ev := ev.(type) {
	case *payment.ChargeCaptured:
		out, err := i.orders.Materialize(ctx, ev)
		if err != nil {
			return nil, errors.Wrap(err, "materialize")
		}
		res.Order = out.Order
		res.Outcome = OutcomeCreated
		if out.AlreadyProcessed {
			res.Outcome = OutcomeDuplicate
		}
	case *payment.ChargeRefunded:
		out, err := i.refunds.ReconcileProviderRefund(ctx, ev)
		if err != nil {
			return nil, errors.Wrap(err, "reconcile refund")
		}
		res.Order = out.Order
		res.Outcome = OutcomeRefunded
		if out.AlreadyProcessed {
			res.Outcome = OutcomeAlreadyRefunded
		}
	case *payment.Ignored:
		lg.Debug("Webhook event ignored", zap.String("reason", ev.Reason))
		res.Outcome = OutcomeIgnored
	default:
		return nil, errors.Errorf("unhandled event %T", ev)
	}

	lg.Info("Webhook processed", zap.String("outcome", string(res.Outcome)))
	return res, nil
}

func (i *Ingestor) record(ctx context.Context, kind, outcome string) {
	i.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}
