package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/marketplace/internal/domain/cart"
)

const (
	clearCartSQL = `DELETE FROM cart_items WHERE user_id = $1`

	addCartItemSQL = `INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`
)

var _ cart.Clearer = (*CartRepository)(nil)

// CartRepository manages cart rows.
type CartRepository struct {
	db dbtx
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{db: pool}
}

// Clear implements cart.Clearer.
func (r *CartRepository) Clear(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Exec(ctx, clearCartSQL, userID)
	if err != nil {
		return 0, errors.Wrapf(err, "clear cart of %q", userID)
	}
	return tag.RowsAffected(), nil
}

// AddItem adds qty of a product to a user's cart.
func (r *CartRepository) AddItem(ctx context.Context, userID, productID string, qty int) error {
	if _, err := r.db.Exec(ctx, addCartItemSQL, userID, productID, qty); err != nil {
		return errors.Wrapf(err, "add %q to cart of %q", productID, userID)
	}
	return nil
}
