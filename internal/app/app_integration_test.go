//go:build integration

package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/marketplace/internal/domain/auth"
	"github.com/xenking/marketplace/internal/domain/product"
	"github.com/xenking/marketplace/internal/gateway/stripe"
	"github.com/xenking/marketplace/internal/storage/postgres"
)

const (
	testWebhookSecret = "whsec_integration"
	testPepper        = "test-pepper-for-integration"
	testUserKey       = "integration-user-key"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "market",
				"POSTGRES_PASSWORD": "market",
				"POSTGRES_DB":       "market",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("start postgres: %v", err)
		return 1
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Printf("container host: %v", err)
		return 1
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("container port: %v", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://market:market@%s:%s/market?sslmode=disable", host, port.Port())
	testPool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		log.Printf("connect: %v", err)
		return 1
	}
	defer testPool.Close()

	if err := postgres.RunMigrations(ctx, testPool); err != nil {
		log.Printf("migrate: %v", err)
		return 1
	}
	return m.Run()
}

// --- Helpers ---

type apiServer struct {
	url   string
	stock func(t *testing.T) int
}

// newAPIServer wires the full stack against the shared database, with the
// Stripe API replaced by stripeAPI.
func newAPIServer(t *testing.T, stripeAPI http.Handler) *apiServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	_, err := testPool.Exec(ctx, `TRUNCATE order_items, orders, cart_items, products, api_keys CASCADE`)
	require.NoError(t, err)

	products := postgres.NewProductRepository(testPool)
	require.NoError(t, products.Upsert(ctx, product.Product{
		ID: "p1", Title: "Waffle", Price: decimal.RequireFromString("6.50"), Stock: 5,
	}))
	require.NoError(t, postgres.NewAPIKeyRepository(testPool).Upsert(ctx, auth.APIKey{
		ID:      "user",
		KeyHash: auth.HashKey([]byte(testPepper), testUserKey),
		UserID:  "u1",
		Name:    "integration user",
	}))
	require.NoError(t, postgres.NewCartRepository(testPool).AddItem(ctx, "u1", "p1", 2))

	stripeSrv := httptest.NewServer(stripeAPI)
	t.Cleanup(stripeSrv.Close)
	gateway, err := stripe.New(stripe.Options{
		SecretKey:     "sk_test_integration",
		WebhookSecret: testWebhookSecret,
		Backends: &stripego.Backends{
			API: stripego.GetBackendWithConfig(stripego.APIBackend, &stripego.BackendConfig{
				URL:               stripego.String(stripeSrv.URL),
				HTTPClient:        stripeSrv.Client(),
				MaxNetworkRetries: stripego.Int64(0),
				LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelNull},
			}),
		},
	})
	require.NoError(t, err)

	cfg := &Config{
		APIKeyPepper: testPepper,
		Webhook:      WebhookConfig{MaxBytes: 64 << 10, Timeout: 10 * time.Second},
		RateLimit:    RateLimitConfig{RPS: 100, Burst: 100},
	}
	svc, err := newServices(ctx, cfg, testPool, gateway, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)
	svc.health.SetReady(true)
	t.Cleanup(svc.health.Stop)

	srv := httptest.NewServer(svc.handler)
	t.Cleanup(srv.Close)

	return &apiServer{
		url: srv.URL,
		stock: func(t *testing.T) int {
			t.Helper()
			var n int
			require.NoError(t, testPool.QueryRow(context.Background(),
				`SELECT stock FROM products WHERE id = 'p1'`).Scan(&n))
			return n
		},
	}
}

func (s *apiServer) do(t *testing.T, method, path string, header map[string]string, body string) (int, string, http.Header) {
	t.Helper()
	req, err := http.NewRequest(method, s.url+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b), resp.Header
}

func (s *apiServer) webhook(t *testing.T, typ, charge string) (int, string) {
	t.Helper()
	payload := fmt.Sprintf(
		`{"id":"evt_%s_%s","object":"event","type":%q,"created":%d,"api_version":"2023-10-16","data":{"object":%s}}`,
		strings.ReplaceAll(typ, ".", "_"), "ch_1", typ, time.Now().Unix(), charge,
	)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	status, body, _ := s.do(t, http.MethodPost, "/webhooks/payments",
		map[string]string{"Stripe-Signature": signed.Header, "Content-Type": "application/json"}, payload)
	return status, body
}

func jsonField(t *testing.T, body, name string) string {
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

const capturedCharge = `{
	"id": "ch_1",
	"object": "charge",
	"captured": true,
	"amount_captured": 1300,
	"currency": "usd",
	"payment_intent": "pi_1",
	"metadata": {"userId": "u1", "cartItems": "[{\"id\":\"p1\",\"quantity\":2}]"},
	"shipping": {"name": "Ada Lovelace", "address": {"city": "London", "country": "GB"}}
}`

const refundedCharge = `{
	"id": "ch_1",
	"object": "charge",
	"refunded": true,
	"payment_intent": "pi_1",
	"refunds": {"object": "list", "data": [{"id": "re_1", "object": "refund", "status": "succeeded"}]}
}`

func stripeRefunds(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/refunds", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"re_1","object":"refund","status":"succeeded","payment_intent":"pi_1"}`)
	})
}

// --- Tests ---

func TestHealth(t *testing.T) {
	s := newAPIServer(t, stripeRefunds(t))

	for _, path := range []string{"/livez", "/readyz"} {
		require.Eventually(t, func() bool {
			status, body, _ := s.do(t, http.MethodGet, path, nil, "")
			return status == http.StatusOK && jsonField(t, body, "status") == "ok"
		}, 10*time.Second, 100*time.Millisecond, path)
	}
}

func TestCheckoutAndCancel(t *testing.T) {
	s := newAPIServer(t, stripeRefunds(t))
	userKey := map[string]string{"api_key": testUserKey}

	status, body := s.webhook(t, "charge.succeeded", capturedCharge)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "created", jsonField(t, body, "outcome"))
	orderID := jsonField(t, body, "orderId")
	assert.Equal(t, 3, s.stock(t))

	status, body = s.webhook(t, "charge.succeeded", capturedCharge)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "duplicate", jsonField(t, body, "outcome"))
	assert.Equal(t, 3, s.stock(t))

	var cartItems int
	require.NoError(t, testPool.QueryRow(context.Background(),
		`SELECT count(*) FROM cart_items WHERE user_id = 'u1'`).Scan(&cartItems))
	assert.Zero(t, cartItems)

	status, body, header := s.do(t, http.MethodGet, "/api/orders/"+orderID, userKey, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "NotProcessed", jsonField(t, body, "deliveryStatus"))
	assert.Equal(t, "13.00", jsonField(t, body, "subtotal"))
	assert.NotEmpty(t, header.Get("X-Request-Id"))
	assert.Equal(t, "100", header.Get("X-RateLimit-Limit"))

	status, body, _ = s.do(t, http.MethodPost, "/api/orders/"+orderID+"/cancel", userKey, "")
	require.Equal(t, http.StatusOK, status, body)
	assert.Contains(t, body, `"refundId":"re_1"`)
	assert.Equal(t, 5, s.stock(t))

	// The provider's own refund event arrives afterwards.
	status, body = s.webhook(t, "charge.refunded", refundedCharge)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "already_refunded", jsonField(t, body, "outcome"))
	assert.Equal(t, 5, s.stock(t))
}

func TestWebhook_ForgedSignature(t *testing.T) {
	s := newAPIServer(t, stripeRefunds(t))

	status, body, _ := s.do(t, http.MethodPost, "/webhooks/payments",
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"}, capturedCharge)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", jsonField(t, body, "reason"))
	assert.Equal(t, 5, s.stock(t))
}

func TestAPI_Unauthorized(t *testing.T) {
	s := newAPIServer(t, stripeRefunds(t))

	status, body, _ := s.do(t, http.MethodGet, "/api/orders/00000000-0000-0000-0000-000000000000", nil, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", jsonField(t, body, "reason"))
}
