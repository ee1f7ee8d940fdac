package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/marketplace/internal/domain/product"
)

const (
	getProductsByIDsSQL = `SELECT id, title, price, image, stock FROM products WHERE id = ANY($1)`

	// The stock >= $2 predicate makes the check and the write one atomic
	// statement; concurrent decrements of the same row serialize on its lock.
	decrementStockSQL = `UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`

	incrementStockSQL = `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`

	getStockSQL = `SELECT stock FROM products WHERE id = $1`

	upsertProductSQL = `INSERT INTO products (id, title, price, image, stock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, price = EXCLUDED.price, image = EXCLUDED.image,
			stock = EXCLUDED.stock, updated_at = now()`
)

var (
	_ product.Catalog = (*ProductRepository)(nil)
	_ product.Ledger  = (*ProductRepository)(nil)
)

// ProductRepository implements product.Catalog and, when bound to a
// transaction, product.Ledger.
type ProductRepository struct {
	db dbtx
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{db: pool}
}

// GetByIDs returns the products matching the given ids. Unknown ids are
// omitted from the result.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.db.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "query products by ids")
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, errors.Wrap(err, "scan products")
	}
	return products, nil
}

// Decrement implements product.Ledger.
func (r *ProductRepository) Decrement(ctx context.Context, productID string, qty int) error {
	tag, err := r.db.Exec(ctx, decrementStockSQL, productID, qty)
	if err != nil {
		return errors.Wrapf(err, "decrement stock of %q", productID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Nothing updated: either the product is gone or stock is short.
	var available int32
	if err := r.db.QueryRow(ctx, getStockSQL, productID).Scan(&available); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &product.NotFoundError{ProductID: productID}
		}
		return errors.Wrapf(err, "get stock of %q", productID)
	}
	return &product.InsufficientStockError{
		ProductID: productID,
		Requested: qty,
		Available: int(available),
	}
}

// Increment implements product.Ledger.
func (r *ProductRepository) Increment(ctx context.Context, productID string, qty int) error {
	tag, err := r.db.Exec(ctx, incrementStockSQL, productID, qty)
	if err != nil {
		return errors.Wrapf(err, "increment stock of %q", productID)
	}
	if tag.RowsAffected() == 0 {
		return &product.NotFoundError{ProductID: productID}
	}
	return nil
}

// Upsert creates or replaces a product, including its stock level.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	if _, err := r.db.Exec(ctx, upsertProductSQL, p.ID, p.Title, p.Price, p.Image, p.Stock); err != nil {
		return errors.Wrapf(err, "upsert product %q", p.ID)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p     product.Product
		stock int32
	)
	err := row.Scan(&p.ID, &p.Title, &p.Price, &p.Image, &stock)
	p.Stock = int(stock)
	return p, err
}
