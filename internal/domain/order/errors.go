package order

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/marketplace/internal/domain/payment"
	"github.com/xenking/marketplace/internal/domain/product"
)

// Sentinel errors for order lookups and refunds.
var (
	ErrNotFound        = errors.New("order not found")
	ErrAlreadyRefunded = errors.New("order already refunded")
)

// errAlreadyProcessed aborts a transaction that found its work already done.
// It never leaves this package.
var errAlreadyProcessed = errors.New("already processed")

// Reason classifies a PreconditionError.
type Reason string

const (
	ReasonNotPaid           Reason = "not_paid"
	ReasonDeliveryStarted   Reason = "delivery_started"
	ReasonNotOwner          Reason = "not_owner"
	ReasonInvalidTransition Reason = "invalid_transition"
)

// PreconditionError rejects an operation on an order that is not in a state
// that allows it. Nothing has been mutated when it is returned.
type PreconditionError struct {
	OrderID string
	Reason  Reason
	Detail  string
}

func (e *PreconditionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("order %s: %s: %s", e.OrderID, e.Reason, e.Detail)
	}
	return fmt.Sprintf("order %s: %s", e.OrderID, e.Reason)
}

// TransactionError is a datastore failure. The transaction was rolled back
// completely and the operation is safe to retry.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// isBusiness reports whether err is a rejection decided by domain rules
// rather than an infrastructure failure.
func isBusiness(err error) bool {
	var (
		pe  *PreconditionError
		ise *product.InsufficientStockError
		pnf *product.NotFoundError
		ple *payment.PayloadError
		ge  *payment.GatewayError
	)
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyRefunded),
		errors.Is(err, errAlreadyProcessed),
		errors.As(err, &pe),
		errors.As(err, &ise),
		errors.As(err, &pnf),
		errors.As(err, &ple),
		errors.As(err, &ge):
		return true
	}
	return false
}

// classify passes business errors through and wraps everything else in a
// TransactionError.
func classify(op string, err error) error {
	if err == nil || isBusiness(err) {
		return err
	}
	var te *TransactionError
	if errors.As(err, &te) {
		return err
	}
	return &TransactionError{Op: op, Err: err}
}
