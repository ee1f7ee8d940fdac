package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace/internal/domain/auth"
	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/domain/payment"
	"github.com/xenking/marketplace/internal/domain/product"
	"github.com/xenking/marketplace/internal/storage/memory"
	"github.com/xenking/marketplace/internal/webhook"
)

var testPepper = []byte("pepper")

// --- Fakes ---

// stubVerifier resolves the signature header to a prepared event.
type stubVerifier struct {
	events map[string]payment.Event
}

func (s *stubVerifier) Verify(_ []byte, signature string) (payment.Event, error) {
	ev, ok := s.events[signature]
	if !ok {
		return nil, &payment.SignatureError{Err: io.ErrUnexpectedEOF}
	}
	return ev, nil
}

type fakeRefunder struct {
	calls int
	err   error
}

func (f *fakeRefunder) Refund(_ context.Context, paymentIntentID, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "re_" + paymentIntentID, nil
}

// --- Helpers ---

type testServer struct {
	store   *memory.Store
	gateway *fakeRefunder
	srv     *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.New()
	store.PutProduct(product.Product{ID: "p1", Title: "Waffle", Price: decimal.RequireFromString("6.50"), Stock: 5})
	for key, p := range map[string]auth.Principal{
		"admin-key": {UserID: "admin-1", Scopes: []string{auth.ScopeAdmin}},
		"user-key":  {UserID: "u1"},
		"other-key": {UserID: "u2"},
	} {
		store.PutAPIKey(auth.APIKey{
			ID:      key,
			KeyHash: auth.HashKey(testPepper, key),
			UserID:  p.UserID,
			Name:    key,
			Scopes:  p.Scopes,
		})
	}

	gw := &fakeRefunder{}
	mat, err := order.NewMaterializer(store, store, store, order.Telemetry{})
	require.NoError(t, err)
	rec, err := order.NewReconciler(store, store, gw, order.Telemetry{})
	require.NoError(t, err)

	verifier := &stubVerifier{events: map[string]payment.Event{
		"capture":  captureEvent("ch_1", 2),
		"greedy":   captureEvent("ch_2", 9),
		"refund":   &payment.ChargeRefunded{Envelope: payment.Envelope{ID: "evt_r"}, ChargeID: "ch_1", RefundID: "re_p"},
		"customer": &payment.Ignored{Envelope: payment.Envelope{ID: "evt_c", Type: "customer.created"}},
	}}
	ing, err := webhook.NewIngestor(verifier, mat, rec, nil)
	require.NoError(t, err)

	h := New(Config{APIKeyPepper: testPepper, WebhookMaxBytes: 1024}, Deps{
		Webhooks: ing,
		Orders:   store,
		Refunds:  rec,
		Delivery: order.NewFulfillment(store),
		APIKeys:  store,
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	return &testServer{store: store, gateway: gw, srv: srv}
}

func captureEvent(chargeID string, qty int) *payment.ChargeCaptured {
	return &payment.ChargeCaptured{
		Envelope:        payment.Envelope{ID: "evt_" + chargeID, Type: "charge.succeeded"},
		ChargeID:        chargeID,
		PaymentIntentID: "pi_" + chargeID,
		AmountCaptured:  1300,
		Currency:        "usd",
		Shipping:        payment.Address{City: "London"},
		UserID:          "u1",
		Lines:           []payment.Line{{ProductID: "p1", Quantity: qty}},
	}
}

type response struct {
	status int
	body   string
}

func (s *testServer) do(t *testing.T, method, path, key string, header map[string]string, body string) response {
	t.Helper()

	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, body: string(b)}
}

func (s *testServer) webhook(t *testing.T, signature string) response {
	t.Helper()
	return s.do(t, http.MethodPost, "/webhooks/payments", "", map[string]string{SignatureHeader: signature}, `{}`)
}

// createOrder materializes ch_1 through the webhook and returns the order id.
func (s *testServer) createOrder(t *testing.T) string {
	t.Helper()
	resp := s.webhook(t, "capture")
	require.Equal(t, http.StatusOK, resp.status, resp.body)
	return field(t, resp.body, "orderId")
}

func field(t *testing.T, body, name string) string {
	t.Helper()
	var out string
	require.NoError(t, jx.DecodeStr(body).Obj(func(d *jx.Decoder, key string) error {
		if key != name {
			return d.Skip()
		}
		v, err := d.Str()
		out = v
		return err
	}))
	return out
}

func assertReason(t *testing.T, resp response, status int, reason string) {
	t.Helper()
	assert.Equal(t, status, resp.status, resp.body)
	assert.Equal(t, reason, field(t, resp.body, "reason"), resp.body)
}

func (s *testServer) stock(t *testing.T) int {
	t.Helper()
	p, ok := s.store.Product("p1")
	require.True(t, ok)
	return p.Stock
}
