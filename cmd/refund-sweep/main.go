// Command refund-sweep applies provider refunds that were never reconciled
// locally. It is meant to run periodically, for example from cron.
package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/marketplace/internal/app"
	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/gateway/stripe"
	"github.com/xenking/marketplace/internal/storage/postgres"
	"github.com/xenking/marketplace/internal/sweep"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := appkg.LoadSweepConfig()
		if err != nil {
			return err
		}

		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "create db pool")
		}
		defer pool.Close()

		gateway, err := stripe.New(stripe.Options{SecretKey: cfg.Stripe.SecretKey})
		if err != nil {
			return errors.Wrap(err, "create payment gateway")
		}

		reconciler, err := order.NewReconciler(
			postgres.NewOrderRepository(pool),
			postgres.NewTransactor(pool),
			gateway,
			order.Telemetry{TracerProvider: m.TracerProvider(), MeterProvider: m.MeterProvider()},
		)
		if err != nil {
			return errors.Wrap(err, "create reconciler")
		}

		report, err := sweep.New(gateway, reconciler, sweep.Config{
			Lookback: cfg.Lookback,
			Workers:  cfg.Workers,
		}).Run(ctx)
		if err != nil {
			return err
		}
		if report.Failed > 0 {
			return errors.Errorf("%d refunds failed to reconcile", report.Failed)
		}
		return nil
	})
}
