// Package app wires the marketplace API server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/gateway/stripe"
	"github.com/xenking/marketplace/internal/handler"
	"github.com/xenking/marketplace/internal/storage/postgres"
	"github.com/xenking/marketplace/internal/webhook"
	"github.com/xenking/marketplace/pkg/health"
	"github.com/xenking/marketplace/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Listen))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	gateway, err := stripe.New(stripe.Options{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Tolerance:     cfg.Stripe.Tolerance,
	})
	if err != nil {
		return errors.Wrap(err, "create payment gateway")
	}

	svc, err := newServices(ctx, cfg, pool, gateway, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return err
	}
	healthSvc := svc.health
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Webhook.Timeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Listen,
		Handler:           svc.handler,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// services are the wired request-serving dependencies.
type services struct {
	handler http.Handler
	health  *health.Health
}

// newServices builds the domain services and the HTTP handler on top of the
// pool and gateway, and starts the health checks and the rate limiter janitor.
// Both stop when ctx is done.
func newServices(
	ctx context.Context,
	cfg *Config,
	pool *pgxpool.Pool,
	gateway *stripe.Client,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) (*services, error) {
	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	orderRepo := postgres.NewOrderRepository(pool)
	productRepo := postgres.NewProductRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	txr := postgres.NewTransactor(pool)

	// Domain services.
	tel := order.Telemetry{TracerProvider: tp, MeterProvider: mp}
	materializer, err := order.NewMaterializer(orderRepo, productRepo, txr, tel)
	if err != nil {
		return nil, errors.Wrap(err, "create materializer")
	}
	reconciler, err := order.NewReconciler(orderRepo, txr, gateway, tel)
	if err != nil {
		return nil, errors.Wrap(err, "create reconciler")
	}
	ingestor, err := webhook.NewIngestor(gateway, materializer, reconciler, mp)
	if err != nil {
		return nil, errors.Wrap(err, "create webhook ingestor")
	}

	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})

	// HTTP handlers.
	h := handler.New(handler.Config{
		APIKeyPepper:    []byte(cfg.APIKeyPepper),
		WebhookMaxBytes: cfg.Webhook.MaxBytes,
		WebhookTimeout:  cfg.Webhook.Timeout,
		APIMiddlewares:  []func(http.Handler) http.Handler{limiter.Middleware()},
	}, handler.Deps{
		Webhooks: ingestor,
		Orders:   orderRepo,
		Refunds:  reconciler,
		Delivery: order.NewFulfillment(txr),
		APIKeys:  apikeyRepo,
	})

	// Router: health endpoints + API routes on one server.
	r := chi.NewRouter()
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Routes(r)

	healthSvc.Start(ctx, 10*time.Second)
	go limiter.Run(ctx)

	return &services{
		handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(r,
				httpmiddleware.Recovery(),
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.LogRequests(),
			),
			"market-api",
			otelhttp.WithTracerProvider(tp),
			otelhttp.WithMeterProvider(mp),
		),
		health: healthSvc,
	}, nil
}
