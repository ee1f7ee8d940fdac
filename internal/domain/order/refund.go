package order

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/marketplace/internal/domain/payment"
)

// Origin identifies who asked for a refund.
type Origin string

const (
	// OriginProvider is a refund the payment provider already executed.
	OriginProvider Origin = "provider"
	// OriginAdmin is an administrator force refund.
	OriginAdmin Origin = "admin"
	// OriginOwner is the buyer cancelling their own order.
	OriginOwner Origin = "owner"
)

// RefundResult is the outcome of a successful refund operation.
type RefundResult struct {
	Order *Order
	// AlreadyProcessed is set when the order was found refunded inside the
	// transaction; stock was not touched by this call.
	AlreadyProcessed bool
}

// Reconciler applies refunds to local state. Caller-initiated refunds go to
// the gateway first and commit locally only after it succeeds. If the local
// commit then fails, the provider's own refund event for the charge later
// runs ReconcileProviderRefund, which converges to the same state: local
// state is eventually consistent with the provider through redelivery.
type Reconciler struct {
	orders  Reader
	tx      Transactor
	gateway payment.Refunder
	now     func() time.Time

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// NewReconciler creates a Reconciler.
func NewReconciler(orders Reader, tx Transactor, gateway payment.Refunder, tel Telemetry) (*Reconciler, error) {
	outcomes, err := tel.meter().Int64Counter("market.orders.refund",
		metric.WithDescription("Refund operations by origin and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create refund counter")
	}
	return &Reconciler{
		orders:   orders,
		tx:       tx,
		gateway:  gateway,
		now:      time.Now,
		tracer:   tel.tracer(),
		outcomes: outcomes,
	}, nil
}

// ForceRefund refunds a paid order at any delivery stage on behalf of an
// administrator.
func (r *Reconciler) ForceRefund(ctx context.Context, orderID string) (*RefundResult, error) {
	return r.callerRefund(ctx, OriginAdmin, orderID, func(o *Order) error {
		return checkRefundable(o)
	})
}

// CancelByOwner refunds an order on behalf of its buyer. Only orders whose
// fulfillment has not started can be cancelled this way.
//
// Ownership and delivery stage are checked before the gateway call. Once the
// provider has refunded, the local commit re-checks only the refunded flag
// and the paid status, so a delivery update that lands in between does not
// block it: the money is already returned and the order must say so.
func (r *Reconciler) CancelByOwner(ctx context.Context, orderID, userID string) (*RefundResult, error) {
	return r.callerRefund(ctx, OriginOwner, orderID, func(o *Order) error {
		if o.UserID != userID {
			return &PreconditionError{OrderID: o.ID, Reason: ReasonNotOwner}
		}
		if err := checkRefundable(o); err != nil {
			return err
		}
		if o.DeliveryStatus != DeliveryNotProcessed {
			return &PreconditionError{
				OrderID: o.ID,
				Reason:  ReasonDeliveryStarted,
				Detail:  "delivery status is " + string(o.DeliveryStatus),
			}
		}
		return nil
	})
}

// ReconcileProviderRefund applies a refund the provider has already executed.
// It returns ErrNotFound when no order exists for the charge yet; the
// provider redelivers the event, so the refund is applied once the capture
// has been materialized.
func (r *Reconciler) ReconcileProviderRefund(ctx context.Context, ev *payment.ChargeRefunded) (_ *RefundResult, rerr error) {
	ctx, span := r.tracer.Start(ctx, "order.ReconcileProviderRefund",
		trace.WithAttributes(attribute.String("charge.id", ev.ChargeID)),
	)
	defer endSpan(span, &rerr)

	if ev.ChargeID == "" {
		return nil, &payment.PayloadError{Field: "charge.id", Err: errors.New("empty")}
	}

	existing, err := r.orders.FindByChargeID(ctx, ev.ChargeID)
	switch {
	case errors.Is(err, ErrNotFound):
		r.record(ctx, OriginProvider, "unknown_charge")
		return nil, err
	case err != nil:
		return nil, &TransactionError{Op: "find order by charge", Err: err}
	case existing.Refunded:
		r.record(ctx, OriginProvider, "duplicate")
		return &RefundResult{Order: existing, AlreadyProcessed: true}, nil
	}

	return r.commit(ctx, OriginProvider, ev.RefundID,
		func(ctx context.Context, w Writer) (*Order, error) {
			return w.LockByChargeID(ctx, ev.ChargeID)
		},
		nil,
	)
}

// callerRefund runs the gateway-first flow shared by admin and owner refunds.
// Every business rule is checked before the gateway call; after it, the only
// remaining guard is the refunded flag re-read under the row lock.
func (r *Reconciler) callerRefund(
	ctx context.Context,
	origin Origin,
	orderID string,
	check func(*Order) error,
) (_ *RefundResult, rerr error) {
	ctx, span := r.tracer.Start(ctx, "order.CallerRefund",
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.String("refund.origin", string(origin)),
		),
	)
	defer endSpan(span, &rerr)

	lg := zctx.From(ctx).With(zap.String("order_id", orderID), zap.String("origin", string(origin)))

	o, err := r.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &TransactionError{Op: "get order", Err: err}
	}
	if err := check(o); err != nil {
		r.record(ctx, origin, "rejected")
		return nil, err
	}

	refundID, err := r.gateway.Refund(ctx, o.PaymentIntentID, refundIdempotencyKey(o.ID))
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrAlreadyRefunded):
		lg.Info("Provider reports charge already refunded, reconciling locally")
	default:
		var ge *payment.GatewayError
		if !errors.As(err, &ge) {
			err = &payment.GatewayError{Op: "refund", Err: err}
		}
		lg.Warn("Gateway refund failed", zap.Error(err))
		r.record(ctx, origin, "gateway_error")
		return nil, err
	}

	res, err := r.commit(ctx, origin, refundID,
		func(ctx context.Context, w Writer) (*Order, error) {
			return w.LockByID(ctx, orderID)
		},
		func(o *Order) error {
			if o.Status != StatusPaid {
				return &PreconditionError{OrderID: o.ID, Reason: ReasonNotPaid}
			}
			return nil
		},
	)
	if err != nil {
		// The provider has refunded; its refund event will reconcile.
		lg.Error("Refund committed at gateway but not locally",
			zap.String("refund_id", refundID),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

// commit locks the order, re-checks the refunded guard and, unless the order
// is already refunded, marks it refunded and credits back every item.
func (r *Reconciler) commit(
	ctx context.Context,
	origin Origin,
	refundID string,
	lock func(ctx context.Context, w Writer) (*Order, error),
	guard func(*Order) error,
) (*RefundResult, error) {
	lg := zctx.From(ctx)

	var res RefundResult
	err := r.tx.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := lock(ctx, tx.Orders())
		if err != nil {
			return classify("lock order", err)
		}
		if o.Refunded {
			res = RefundResult{Order: o, AlreadyProcessed: true}
			return nil
		}
		if guard != nil {
			if err := guard(o); err != nil {
				return err
			}
		}

		if err := tx.Orders().MarkRefunded(ctx, o.ID, refundID); err != nil {
			return &TransactionError{Op: "mark refunded", Err: err}
		}
		if err := restock(ctx, tx, o.Items); err != nil {
			return err
		}

		o.Refunded = true
		o.Status = StatusRefunded
		o.DeliveryStatus = DeliveryRefunded
		o.RefundID = refundID
		o.UpdatedAt = r.now().UTC()
		res = RefundResult{Order: o}
		return nil
	})
	if err != nil {
		r.record(ctx, origin, "failed")
		return nil, classify("refund order", err)
	}

	if res.AlreadyProcessed {
		lg.Info("Order already refunded", zap.String("order_id", res.Order.ID), zap.String("origin", string(origin)))
		r.record(ctx, origin, "duplicate")
	} else {
		lg.Info("Order refunded",
			zap.String("order_id", res.Order.ID),
			zap.String("refund_id", refundID),
			zap.String("origin", string(origin)),
		)
		r.record(ctx, origin, "refunded")
	}
	return &res, nil
}

// restock credits back exactly the quantities recorded on the order items.
func restock(ctx context.Context, tx Tx, items []Item) error {
	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b Item) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	for _, it := range sorted {
		if err := tx.Stock().Increment(ctx, it.ProductID, it.Quantity); err != nil {
			return &TransactionError{Op: "increment stock", Err: err}
		}
	}
	return nil
}

func checkRefundable(o *Order) error {
	if o.Refunded {
		return ErrAlreadyRefunded
	}
	if o.Status != StatusPaid {
		return &PreconditionError{
			OrderID: o.ID,
			Reason:  ReasonNotPaid,
			Detail:  "status is " + string(o.Status),
		}
	}
	return nil
}

// refundIdempotencyKey scopes the provider idempotency key to one refund
// attempt. The provider replays the stored response of a keyed request,
// errors included, so a per-order key would pin a retry to the first failure.
// Client-side retries within an attempt share the key. A second attempt
// against an already refunded charge is rejected by the provider and surfaces
// as payment.ErrAlreadyRefunded.
func refundIdempotencyKey(orderID string) string {
	return "refund-" + orderID + "-" + uuid.NewString()
}

func (r *Reconciler) record(ctx context.Context, origin Origin, outcome string) {
	r.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("origin", string(origin)),
		attribute.String("outcome", outcome),
	))
}

func endSpan(span trace.Span, errp *error) {
	if err := *errp; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
