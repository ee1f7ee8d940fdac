package order

import (
	"context"

	"github.com/xenking/marketplace/internal/domain/cart"
	"github.com/xenking/marketplace/internal/domain/product"
)

// Reader loads orders outside of any transaction. Both methods return
// ErrNotFound when no order matches.
type Reader interface {
	GetByID(ctx context.Context, id string) (*Order, error)
	FindByChargeID(ctx context.Context, chargeID string) (*Order, error)
}

// Writer mutates orders inside a transaction.
type Writer interface {
	// Insert stores the order and its items unless an order with the same
	// charge id already exists, in which case it writes nothing and returns
	// false. Concurrent inserts for one charge id resolve to exactly one true.
	Insert(ctx context.Context, o *Order) (inserted bool, err error)
	// LockByID and LockByChargeID load an order with its items and hold a
	// row lock until the transaction ends.
	LockByID(ctx context.Context, id string) (*Order, error)
	LockByChargeID(ctx context.Context, chargeID string) (*Order, error)
	MarkRefunded(ctx context.Context, id, refundID string) error
	SetDeliveryStatus(ctx context.Context, id string, status DeliveryStatus) error
}

// Tx exposes every store the engine mutates, bound to one transaction.
type Tx interface {
	Orders() Writer
	Stock() product.Ledger
	Carts() cart.Clearer
}

// Transactor runs fn in a single transaction. The transaction commits when fn
// returns nil and rolls back otherwise; fn's error is returned unchanged.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
