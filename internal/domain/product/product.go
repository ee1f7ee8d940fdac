package product

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Product is the catalog entry as seen by the payment engine: enough to
// snapshot an order line, plus the stock counter the engine owns.
type Product struct {
	ID    string
	Title string
	Price decimal.Decimal
	Image string
	Stock int
}

// Catalog resolves live products for snapshotting.
type Catalog interface {
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}

// Ledger mutates stock counters. Implementations are bound to the caller's
// transaction; decrements are conditional and never drive stock below zero.
type Ledger interface {
	// Decrement subtracts qty from the product's stock. It returns
	// *InsufficientStockError when stock < qty and *NotFoundError when the
	// product does not exist. Nothing is written in either case.
	Decrement(ctx context.Context, productID string, qty int) error
	// Increment adds qty back to the product's stock.
	Increment(ctx context.Context, productID string, qty int) error
}

// NotFoundError indicates a referenced product does not exist.
type NotFoundError struct {
	ProductID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InsufficientStockError is returned by a guarded decrement that would make
// stock negative.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}
