// Package memory is an in-process implementation of the order, catalog,
// cart and API key stores. Transactions run one at a time against a copy of
// the state that replaces the committed state only when the transaction
// succeeds, so rollbacks leave no trace. It backs tests and local runs.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xenking/marketplace/internal/domain/auth"
	"github.com/xenking/marketplace/internal/domain/cart"
	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/domain/product"
)

var (
	_ order.Reader     = (*Store)(nil)
	_ order.Transactor = (*Store)(nil)
	_ product.Catalog  = (*Store)(nil)
	_ auth.Repository  = (*Store)(nil)
	_ order.Writer     = (*txOrders)(nil)
	_ product.Ledger   = (*txStock)(nil)
	_ cart.Clearer     = (*txCarts)(nil)
)

type state struct {
	products map[string]product.Product
	// carts maps user id to product id to quantity.
	carts    map[string]map[string]int
	orders   map[string]*order.Order
	byCharge map[string]string
}

func (s state) clone() state {
	out := state{
		products: make(map[string]product.Product, len(s.products)),
		carts:    make(map[string]map[string]int, len(s.carts)),
		orders:   make(map[string]*order.Order, len(s.orders)),
		byCharge: make(map[string]string, len(s.byCharge)),
	}
	for k, v := range s.products {
		out.products[k] = v
	}
	for user, items := range s.carts {
		c := make(map[string]int, len(items))
		for k, v := range items {
			c[k] = v
		}
		out.carts[user] = c
	}
	for k, v := range s.orders {
		out.orders[k] = copyOrder(v)
	}
	for k, v := range s.byCharge {
		out.byCharge[k] = v
	}
	return out
}

// Store is the in-memory backend. The zero value is not usable; call New.
type Store struct {
	mu    sync.Mutex
	state state
	keys  map[string]auth.APIKey

	// CommitErr, when set, makes every transaction fail at commit time after
	// fn succeeded. Used to simulate datastore failures.
	CommitErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		state: state{
			products: make(map[string]product.Product),
			carts:    make(map[string]map[string]int),
			orders:   make(map[string]*order.Order),
			byCharge: make(map[string]string),
		},
		keys: make(map[string]auth.APIKey),
	}
}

// InTx implements order.Transactor.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.state.clone()
	if err := fn(ctx, &tx{st: &working}); err != nil {
		return err
	}
	if s.CommitErr != nil {
		return s.CommitErr
	}
	s.state = working
	return nil
}

// GetByID implements order.Reader.
func (s *Store) GetByID(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.state.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return copyOrder(o), nil
}

// FindByChargeID implements order.Reader.
func (s *Store) FindByChargeID(_ context.Context, chargeID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.state.byCharge[chargeID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return copyOrder(s.state.orders[id]), nil
}

// GetByIDs implements product.Catalog.
func (s *Store) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []product.Product
	for _, id := range ids {
		if p, ok := s.state.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// FindByHash implements auth.Repository.
func (s *Store) FindByHash(_ context.Context, hash string) (*auth.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &k, nil
}

// PutProduct inserts or replaces a catalog product.
func (s *Store) PutProduct(p product.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.products[p.ID] = p
}

// Product returns a catalog product.
func (s *Store) Product(id string) (product.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.products[id]
	return p, ok
}

// AddCartItem adds qty of a product to a user's cart.
func (s *Store) AddCartItem(userID, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.carts[userID]
	if !ok {
		c = make(map[string]int)
		s.state.carts[userID] = c
	}
	c[productID] += qty
}

// CartItems returns a copy of a user's cart.
func (s *Store) CartItems(userID string) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.state.carts[userID]))
	for k, v := range s.state.carts[userID] {
		out[k] = v
	}
	return out
}

// Orders returns all committed orders.
func (s *Store) Orders() []*order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*order.Order, 0, len(s.state.orders))
	for _, o := range s.state.orders {
		out = append(out, copyOrder(o))
	}
	slices.SortFunc(out, func(a, b *order.Order) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// PutOrder stores an order directly, bypassing materialization.
func (s *Store) PutOrder(o *order.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.orders[o.ID] = copyOrder(o)
	s.state.byCharge[o.ChargeID] = o.ID
}

// PutAPIKey stores an API key under its hash.
func (s *Store) PutAPIKey(k auth.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.KeyHash] = k
}

type tx struct {
	st *state
}

func (t *tx) Orders() order.Writer  { return (*txOrders)(t) }
func (t *tx) Stock() product.Ledger { return (*txStock)(t) }
func (t *tx) Carts() cart.Clearer   { return (*txCarts)(t) }

type txOrders tx

func (t *txOrders) Insert(_ context.Context, o *order.Order) (bool, error) {
	if _, ok := t.st.byCharge[o.ChargeID]; ok {
		return false, nil
	}
	t.st.orders[o.ID] = copyOrder(o)
	t.st.byCharge[o.ChargeID] = o.ID
	return true, nil
}

func (t *txOrders) LockByID(_ context.Context, id string) (*order.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return copyOrder(o), nil
}

func (t *txOrders) LockByChargeID(ctx context.Context, chargeID string) (*order.Order, error) {
	id, ok := t.st.byCharge[chargeID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return t.LockByID(ctx, id)
}

func (t *txOrders) MarkRefunded(_ context.Context, id, refundID string) error {
	o, ok := t.st.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Refunded = true
	o.Status = order.StatusRefunded
	o.DeliveryStatus = order.DeliveryRefunded
	o.RefundID = refundID
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *txOrders) SetDeliveryStatus(_ context.Context, id string, status order.DeliveryStatus) error {
	o, ok := t.st.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.DeliveryStatus = status
	o.UpdatedAt = time.Now().UTC()
	return nil
}

type txStock tx

func (t *txStock) Decrement(_ context.Context, productID string, qty int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return &product.NotFoundError{ProductID: productID}
	}
	if p.Stock < qty {
		return &product.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Stock}
	}
	p.Stock -= qty
	t.st.products[productID] = p
	return nil
}

func (t *txStock) Increment(_ context.Context, productID string, qty int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return &product.NotFoundError{ProductID: productID}
	}
	p.Stock += qty
	t.st.products[productID] = p
	return nil
}

type txCarts tx

func (t *txCarts) Clear(_ context.Context, userID string) (int64, error) {
	n := int64(len(t.st.carts[userID]))
	delete(t.st.carts, userID)
	return n, nil
}

func copyOrder(o *order.Order) *order.Order {
	c := *o
	c.Items = slices.Clone(o.Items)
	return &c
}
