package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/marketplace/internal/domain/cart"
	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/domain/product"
)

var _ order.Transactor = (*Transactor)(nil)

// Transactor runs order transactions at READ COMMITTED. Correctness comes
// from row locks, conditional updates and the unique charge id rather than
// from the isolation level.
type Transactor struct {
	pool *pgxpool.Pool
}

// NewTransactor returns a Transactor that uses the given pool.
func NewTransactor(pool *pgxpool.Pool) *Transactor {
	return &Transactor{pool: pool}
}

// InTx implements order.Transactor.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return pgx.BeginTxFunc(ctx, t.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ptx pgx.Tx) error {
		return fn(ctx, boundTx{db: ptx})
	})
}

type boundTx struct {
	db pgx.Tx
}

func (t boundTx) Orders() order.Writer  { return &OrderRepository{db: t.db} }
func (t boundTx) Stock() product.Ledger { return &ProductRepository{db: t.db} }
func (t boundTx) Carts() cart.Clearer   { return &CartRepository{db: t.db} }
