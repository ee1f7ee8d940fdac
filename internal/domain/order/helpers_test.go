package order_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/domain/payment"
	"github.com/xenking/marketplace/internal/domain/product"
	"github.com/xenking/marketplace/internal/storage/memory"
)

// --- Fakes ---

type fakeRefunder struct {
	mu    sync.Mutex
	calls []string
	keys  []string
	err   error
}

func (f *fakeRefunder) Refund(_ context.Context, paymentIntentID, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, paymentIntentID)
	f.keys = append(f.keys, idempotencyKey)
	if f.err != nil {
		return "", f.err
	}
	return "re_" + paymentIntentID, nil
}

func (f *fakeRefunder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// --- Helpers ---

type env struct {
	store    *memory.Store
	gateway  *fakeRefunder
	mat      *order.Materializer
	rec      *order.Reconciler
	delivery *order.Fulfillment
}

func newEnv(t *testing.T) *env {
	t.Helper()

	store := memory.New()
	gw := &fakeRefunder{}
	mat, err := order.NewMaterializer(store, store, store, order.Telemetry{})
	require.NoError(t, err)
	rec, err := order.NewReconciler(store, store, gw, order.Telemetry{})
	require.NoError(t, err)

	return &env{
		store:    store,
		gateway:  gw,
		mat:      mat,
		rec:      rec,
		delivery: order.NewFulfillment(store),
	}
}

func (e *env) product(id, title, price string, stock int) {
	e.store.PutProduct(product.Product{
		ID:    id,
		Title: title,
		Price: decimal.RequireFromString(price),
		Image: "https://img.example/" + id + ".jpg",
		Stock: stock,
	})
}

func (e *env) stock(t *testing.T, id string) int {
	t.Helper()
	p, ok := e.store.Product(id)
	require.True(t, ok, "product %s", id)
	return p.Stock
}

func captured(chargeID, userID string, lines ...payment.Line) *payment.ChargeCaptured {
	return &payment.ChargeCaptured{
		Envelope: payment.Envelope{
			ID:        "evt_" + chargeID,
			Type:      "charge.succeeded",
			CreatedAt: time.Unix(1700000000, 0).UTC(),
		},
		ChargeID:        chargeID,
		PaymentIntentID: "pi_" + chargeID,
		ReceiptURL:      "https://pay.example/receipts/" + chargeID,
		AmountCaptured:  5000,
		Currency:        "USD",
		Shipping: payment.Address{
			Name:    "Ada Lovelace",
			Line1:   "12 Analytical Row",
			City:    "London",
			Country: "GB",
		},
		UserID: userID,
		Lines:  lines,
	}
}

func refunded(chargeID string) *payment.ChargeRefunded {
	return &payment.ChargeRefunded{
		Envelope: payment.Envelope{
			ID:   "evt_refund_" + chargeID,
			Type: "charge.refunded",
		},
		ChargeID:        chargeID,
		PaymentIntentID: "pi_" + chargeID,
		RefundID:        "re_provider_" + chargeID,
		RefundStatus:    payment.RefundStatusSucceeded,
	}
}

// materialize creates an order for user u1 buying qty of p1.
func (e *env) materialize(t *testing.T, chargeID string, qty int) *order.Order {
	t.Helper()
	res, err := e.mat.Materialize(context.Background(), captured(chargeID, "u1", payment.Line{ProductID: "p1", Quantity: qty}))
	require.NoError(t, err)
	require.False(t, res.AlreadyProcessed)
	return res.Order
}
