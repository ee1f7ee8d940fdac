package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/marketplace/internal/domain/order"
)

const (
	orderColumns = `id, user_id, charge_id, payment_intent_id, receipt_url, status, delivery_status,
		amount_captured, currency, shipping, refunded, refund_id, created_at, updated_at`

	getOrderByIDSQL       = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderByChargeIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE charge_id = $1`
	lockOrderByIDSQL      = getOrderByIDSQL + ` FOR UPDATE`
	lockOrderByChargeSQL  = getOrderByChargeIDSQL + ` FOR UPDATE`

	listOrderItemsSQL = `SELECT product_id, title, unit_price, image, quantity
		FROM order_items WHERE order_id = $1 ORDER BY product_id`

	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (charge_id) DO NOTHING
		RETURNING id`

	markOrderRefundedSQL = `UPDATE orders
		SET refunded = TRUE, status = 'refunded', delivery_status = 'Refunded', refund_id = $2, updated_at = now()
		WHERE id = $1`

	setDeliveryStatusSQL = `UPDATE orders SET delivery_status = $2, updated_at = now() WHERE id = $1`
)

var orderItemColumns = []string{"order_id", "product_id", "title", "unit_price", "image", "quantity"}

var (
	_ order.Reader = (*OrderRepository)(nil)
	_ order.Writer = (*OrderRepository)(nil)
)

// OrderRepository implements order.Reader and, when bound to a transaction,
// order.Writer.
type OrderRepository struct {
	db dbtx
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{db: pool}
}

// GetByID implements order.Reader.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrNotFound
	}
	return r.load(ctx, getOrderByIDSQL, id)
}

// FindByChargeID implements order.Reader.
func (r *OrderRepository) FindByChargeID(ctx context.Context, chargeID string) (*order.Order, error) {
	return r.load(ctx, getOrderByChargeIDSQL, chargeID)
}

// LockByID implements order.Writer.
func (r *OrderRepository) LockByID(ctx context.Context, id string) (*order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrNotFound
	}
	return r.load(ctx, lockOrderByIDSQL, id)
}

// LockByChargeID implements order.Writer.
func (r *OrderRepository) LockByChargeID(ctx context.Context, chargeID string) (*order.Order, error) {
	return r.load(ctx, lockOrderByChargeSQL, chargeID)
}

// Insert implements order.Writer. A concurrent insert for the same charge
// waits on the unique index and then observes the conflict without aborting
// the surrounding transaction.
func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) (bool, error) {
	shipping := encodeAddress(o.Shipping)

	var id string
	err := r.db.QueryRow(ctx, insertOrderSQL,
		o.ID, o.UserID, o.ChargeID, o.PaymentIntentID, o.ReceiptURL,
		string(o.Status), string(o.DeliveryStatus), o.AmountCaptured, o.Currency,
		shipping, o.Refunded, o.RefundID, o.CreatedAt, o.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrapf(err, "insert order %q", o.ID)
	}

	_, err = r.db.CopyFrom(ctx, pgx.Identifier{"order_items"}, orderItemColumns,
		pgx.CopyFromSlice(len(o.Items), func(i int) ([]any, error) {
			it := o.Items[i]
			return []any{o.ID, it.ProductID, it.Title, it.UnitPrice, it.Image, int32(it.Quantity)}, nil
		}),
	)
	if err != nil {
		return false, errors.Wrapf(err, "insert items of order %q", o.ID)
	}
	return true, nil
}

// MarkRefunded implements order.Writer.
func (r *OrderRepository) MarkRefunded(ctx context.Context, id, refundID string) error {
	tag, err := r.db.Exec(ctx, markOrderRefundedSQL, id, refundID)
	if err != nil {
		return errors.Wrapf(err, "mark order %q refunded", id)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// SetDeliveryStatus implements order.Writer.
func (r *OrderRepository) SetDeliveryStatus(ctx context.Context, id string, status order.DeliveryStatus) error {
	tag, err := r.db.Exec(ctx, setDeliveryStatusSQL, id, string(status))
	if err != nil {
		return errors.Wrapf(err, "set delivery status of order %q", id)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) load(ctx context.Context, query string, arg string) (*order.Order, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan order")
	}

	rows, err = r.db.Query(ctx, listOrderItemsSQL, o.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "query items of order %q", o.ID)
	}
	o.Items, err = pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return nil, errors.Wrapf(err, "scan items of order %q", o.ID)
	}
	return o, nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o              order.Order
		status         string
		deliveryStatus string
		shipping       []byte
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.ChargeID, &o.PaymentIntentID, &o.ReceiptURL, &status, &deliveryStatus,
		&o.AmountCaptured, &o.Currency, &shipping, &o.Refunded, &o.RefundID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	o.DeliveryStatus = order.DeliveryStatus(deliveryStatus)
	if o.Shipping, err = decodeAddress(shipping); err != nil {
		return nil, errors.Wrap(err, "decode shipping")
	}
	return &o, nil
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var (
		it  order.Item
		qty int32
	)
	err := row.Scan(&it.ProductID, &it.Title, &it.UnitPrice, &it.Image, &qty)
	it.Quantity = int(qty)
	return it, err
}
