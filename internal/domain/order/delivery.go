package order

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// deliveryRank orders the forward fulfillment stages.
var deliveryRank = map[DeliveryStatus]int{
	DeliveryNotProcessed: 0,
	DeliveryProcessing:   1,
	DeliveryDispatched:   2,
	DeliveryDelivered:    3,
}

// CanTransition reports whether an order may move from one delivery status to
// another. Stages only move forward, cancellation is possible until dispatch,
// and Refunded is reserved for the refund reconciler.
func CanTransition(from, to DeliveryStatus) bool {
	switch {
	case to == DeliveryRefunded:
		return false
	case from == DeliveryRefunded, from == DeliveryCancelled, from == DeliveryDelivered:
		return false
	case to == DeliveryCancelled:
		return from == DeliveryNotProcessed || from == DeliveryProcessing
	}
	fr, ok1 := deliveryRank[from]
	tr, ok2 := deliveryRank[to]
	return ok1 && ok2 && tr > fr
}

// Fulfillment advances orders through delivery stages.
type Fulfillment struct {
	tx Transactor
}

// NewFulfillment creates a Fulfillment.
func NewFulfillment(tx Transactor) *Fulfillment {
	return &Fulfillment{tx: tx}
}

// SetDeliveryStatus moves an order to the given stage. The order row is
// locked, so the change serializes with refunds of the same order. Setting
// the current stage again is a no-op.
func (f *Fulfillment) SetDeliveryStatus(ctx context.Context, orderID string, next DeliveryStatus) (*Order, error) {
	var out *Order
	err := f.tx.InTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Orders().LockByID(ctx, orderID)
		if err != nil {
			return classify("lock order", err)
		}
		if o.DeliveryStatus == next {
			out = o
			return nil
		}
		if o.Refunded || !CanTransition(o.DeliveryStatus, next) {
			return &PreconditionError{
				OrderID: o.ID,
				Reason:  ReasonInvalidTransition,
				Detail:  string(o.DeliveryStatus) + " -> " + string(next),
			}
		}
		if err := tx.Orders().SetDeliveryStatus(ctx, o.ID, next); err != nil {
			return &TransactionError{Op: "set delivery status", Err: err}
		}
		zctx.From(ctx).Info("Delivery status changed",
			zap.String("order_id", o.ID),
			zap.String("from", string(o.DeliveryStatus)),
			zap.String("to", string(next)),
		)
		o.DeliveryStatus = next
		out = o
		return nil
	})
	if err != nil {
		return nil, classify("set delivery status", err)
	}
	return out, nil
}
