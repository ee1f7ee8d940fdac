package stripe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/xenking/marketplace/internal/domain/payment"
)

const testSecret = "whsec_test"

func newTestClient(t *testing.T, api http.Handler) *Client {
	t.Helper()

	opts := Options{SecretKey: "sk_test_123", WebhookSecret: testSecret}
	if api != nil {
		srv := httptest.NewServer(api)
		t.Cleanup(srv.Close)
		opts.Backends = &stripe.Backends{
			API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
				URL:               stripe.String(srv.URL),
				HTTPClient:        srv.Client(),
				MaxNetworkRetries: stripe.Int64(0),
				LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
			}),
		}
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func sign(t *testing.T, payload string, ts time.Time) string {
	t.Helper()
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: ts,
	}).Header
}

func eventJSON(typ, charge string) string {
	return fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"created":1700000000,"api_version":"2023-10-16","data":{"object":%s}}`, typ, charge)
}

const capturedCharge = `{
	"id": "ch_1",
	"object": "charge",
	"captured": true,
	"amount_captured": 1200,
	"currency": "usd",
	"payment_intent": "pi_1",
	"receipt_url": "https://pay.stripe.com/receipts/ch_1",
	"metadata": {"userId": "u1", "cartItems": "[{\"id\":\"p1\",\"quantity\":2},{\"productId\":7,\"quantity\":1}]"},
	"shipping": {"name": "Ada Lovelace", "address": {"line1": "12 Analytical Row", "city": "London", "country": "GB"}}
}`

func TestVerify_ChargeCaptured(t *testing.T) {
	c := newTestClient(t, nil)

	for _, typ := range []string{EventChargeSucceeded, EventChargeCaptured} {
		t.Run(typ, func(t *testing.T) {
			body := eventJSON(typ, capturedCharge)
			ev, err := c.Verify([]byte(body), sign(t, body, time.Now()))
			require.NoError(t, err)

			cc, ok := ev.(*payment.ChargeCaptured)
			require.True(t, ok, "got %T", ev)
			assert.Equal(t, "evt_1", cc.ID)
			assert.Equal(t, typ, cc.Type)
			assert.Equal(t, "ch_1", cc.ChargeID)
			assert.Equal(t, "pi_1", cc.PaymentIntentID)
			assert.Equal(t, int64(1200), cc.AmountCaptured)
			assert.Equal(t, "u1", cc.UserID)
			assert.Equal(t, "London", cc.Shipping.City)
			assert.Equal(t, "Ada Lovelace", cc.Shipping.Name)
			assert.Equal(t, []payment.Line{
				{ProductID: "p1", Quantity: 2},
				{ProductID: "7", Quantity: 1},
			}, cc.Lines)
		})
	}
}

func TestVerify_NotCaptured(t *testing.T) {
	c := newTestClient(t, nil)

	body := eventJSON(EventChargeSucceeded, `{"id":"ch_1","object":"charge","captured":false}`)
	ev, err := c.Verify([]byte(body), sign(t, body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, payment.KindIgnored, ev.Kind())
}

func TestVerify_ChargeRefunded(t *testing.T) {
	c := newTestClient(t, nil)

	full := `{"id":"ch_1","object":"charge","refunded":true,"payment_intent":"pi_1",
		"refunds":{"object":"list","data":[{"id":"re_2","object":"refund","status":"succeeded"},{"id":"re_1","object":"refund","status":"succeeded"}]}}`
	body := eventJSON(EventChargeRefunded, full)
	ev, err := c.Verify([]byte(body), sign(t, body, time.Now()))
	require.NoError(t, err)

	cr, ok := ev.(*payment.ChargeRefunded)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "ch_1", cr.ChargeID)
	assert.Equal(t, "re_2", cr.RefundID)
	assert.Equal(t, payment.RefundStatusSucceeded, cr.RefundStatus)

	partial := `{"id":"ch_1","object":"charge","refunded":false,"amount_refunded":100}`
	body = eventJSON(EventChargeRefunded, partial)
	ev, err = c.Verify([]byte(body), sign(t, body, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, payment.KindIgnored, ev.Kind())
}

func TestVerify_OtherEventIgnored(t *testing.T) {
	c := newTestClient(t, nil)

	body := eventJSON("customer.created", `{"id":"cus_1","object":"customer"}`)
	ev, err := c.Verify([]byte(body), sign(t, body, time.Now()))
	require.NoError(t, err)

	ig, ok := ev.(*payment.Ignored)
	require.True(t, ok)
	assert.Equal(t, "customer.created", ig.Type)
}

func TestVerify_SignatureErrors(t *testing.T) {
	c := newTestClient(t, nil)
	body := eventJSON(EventChargeCaptured, capturedCharge)

	tests := []struct {
		name   string
		body   string
		header string
	}{
		{"missing header", body, ""},
		{"malformed header", body, "garbage"},
		{"wrong secret", body, webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: []byte(body), Secret: "whsec_other", Timestamp: time.Now(),
		}).Header},
		{"tampered body", body + " ", sign(t, body, time.Now())},
		{"stale", body, sign(t, body, time.Now().Add(-time.Hour))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify([]byte(tt.body), tt.header)
			var se *payment.SignatureError
			require.ErrorAs(t, err, &se)
		})
	}
}

func TestVerify_NoWebhookSecret(t *testing.T) {
	c, err := New(Options{SecretKey: "sk_test_123"})
	require.NoError(t, err)

	body := eventJSON(EventChargeCaptured, capturedCharge)
	_, err = c.Verify([]byte(body), sign(t, body, time.Now()))
	var se *payment.SignatureError
	require.ErrorAs(t, err, &se)

	_, err = New(Options{})
	require.Error(t, err)
}

func TestVerify_PayloadErrors(t *testing.T) {
	c := newTestClient(t, nil)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `{"id":`, "event"},
		{"missing user", eventJSON(EventChargeCaptured, `{"id":"ch_1","object":"charge","captured":true,"metadata":{"cartItems":"[{\"id\":\"p1\",\"quantity\":1}]"}}`), "metadata.userId"},
		{"bad cart", eventJSON(EventChargeCaptured, `{"id":"ch_1","object":"charge","captured":true,"metadata":{"userId":"u1","cartItems":"[{\"id\":\"p1\"}]"}}`), "metadata.cartItems"},
		{"missing charge id", eventJSON(EventChargeCaptured, `{"object":"charge","captured":true}`), "charge.id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify([]byte(tt.body), sign(t, tt.body, time.Now()))
			var pe *payment.PayloadError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestRefund(t *testing.T) {
	var gotKey, gotBody string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"re_1","object":"refund","status":"succeeded","payment_intent":"pi_1"}`)
	}))

	id, err := c.Refund(context.Background(), "pi_1", "refund-o1")
	require.NoError(t, err)
	assert.Equal(t, "re_1", id)
	assert.Equal(t, "refund-o1", gotKey)
	assert.Contains(t, gotBody, "payment_intent=pi_1")
}

func TestRefund_AlreadyRefunded(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"already refunded"}}`)
	}))

	_, err := c.Refund(context.Background(), "pi_1", "refund-o1")
	require.ErrorIs(t, err, payment.ErrAlreadyRefunded)
}

func TestRefund_Failure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = io.WriteString(w, `{"error":{"type":"card_error","code":"expired_card","message":"card expired"}}`)
	}))

	_, err := c.Refund(context.Background(), "pi_1", "refund-o1")
	var ge *payment.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "refund", ge.Op)
}

func TestListRefunds(t *testing.T) {
	since := time.Unix(1700000000, 0)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		assert.Equal(t, "1700000000", r.URL.Query().Get("created[gte]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","has_more":false,"url":"/v1/refunds","data":[
			{"id":"re_1","object":"refund","status":"succeeded","created":1700000100,
			 "charge":{"id":"ch_1","object":"charge","refunded":true},"payment_intent":"pi_1"},
			{"id":"re_2","object":"refund","status":"pending","created":1700000200,
			 "charge":{"id":"ch_2","object":"charge","refunded":false}}
		]}`)
	}))

	var got []payment.RefundRecord
	err := c.ListRefunds(context.Background(), since, func(r payment.RefundRecord) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, payment.RefundRecord{
		RefundID:        "re_1",
		ChargeID:        "ch_1",
		PaymentIntentID: "pi_1",
		Status:          "succeeded",
		ChargeRefunded:  true,
		CreatedAt:       time.Unix(1700000100, 0).UTC(),
	}, got[0])
	assert.False(t, got[1].ChargeRefunded)
}
