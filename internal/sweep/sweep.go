// Package sweep reconciles refunds that were executed at the payment provider
// but never applied locally, for example when a caller refund succeeded at the
// gateway and the local commit failed before the provider event arrived.
package sweep

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/domain/payment"
)

// Reconciler applies provider refunds locally.
type Reconciler interface {
	ReconcileProviderRefund(ctx context.Context, ev *payment.ChargeRefunded) (*order.RefundResult, error)
}

// Config controls a sweep.
type Config struct {
	// Lookback is how far back provider refunds are listed.
	Lookback time.Duration
	// Workers bounds parallel reconciliations.
	Workers int
}

// Report counts what a sweep did.
type Report struct {
	Listed        int64
	Skipped       int64
	Reconciled    int64
	AlreadyDone   int64
	UnknownCharge int64
	Failed        int64
}

// Sweeper walks recent provider refunds and runs each through the same
// idempotent path as the provider's refund webhook.
type Sweeper struct {
	lister     payment.RefundLister
	reconciler Reconciler
	cfg        Config
	now        func() time.Time
}

// New creates a Sweeper.
func New(lister payment.RefundLister, reconciler Reconciler, cfg Config) *Sweeper {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Sweeper{
		lister:     lister,
		reconciler: reconciler,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run performs one sweep. Per-refund failures are counted and logged; only a
// failure to list refunds aborts the sweep.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	lg := zctx.From(ctx)
	since := s.now().Add(-s.cfg.Lookback)
	lg.Info("Sweep started", zap.Time("since", since), zap.Int("workers", s.cfg.Workers))

	var (
		c    counters
		seen = make(map[string]struct{})
		g    errgroup.Group
	)
	g.SetLimit(s.cfg.Workers)

	listErr := s.lister.ListRefunds(ctx, since, func(rec payment.RefundRecord) error {
		c.listed.Add(1)
		if !eligible(rec) {
			c.skipped.Add(1)
			return nil
		}
		// Refunds are listed newest first; one reconciliation per charge.
		if _, dup := seen[rec.ChargeID]; dup {
			c.skipped.Add(1)
			return nil
		}
		seen[rec.ChargeID] = struct{}{}
		if err := ctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			s.reconcile(ctx, rec, &c)
			return nil
		})
		return nil
	})
	_ = g.Wait()

	report := c.report()
	if listErr != nil {
		lg.Error("Sweep aborted", zap.Error(listErr), zap.Any("report", report))
		return report, errors.Wrap(listErr, "list refunds")
	}
	lg.Info("Sweep finished",
		zap.Int64("listed", report.Listed),
		zap.Int64("skipped", report.Skipped),
		zap.Int64("reconciled", report.Reconciled),
		zap.Int64("already_done", report.AlreadyDone),
		zap.Int64("unknown_charge", report.UnknownCharge),
		zap.Int64("failed", report.Failed),
	)
	return report, nil
}

func (s *Sweeper) reconcile(ctx context.Context, rec payment.RefundRecord, c *counters) {
	lg := zctx.From(ctx).With(
		zap.String("charge_id", rec.ChargeID),
		zap.String("refund_id", rec.RefundID),
	)
	ev := &payment.ChargeRefunded{
		Envelope: payment.Envelope{
			ID:        "sweep_" + rec.RefundID,
			Type:      "charge.refunded",
			CreatedAt: rec.CreatedAt,
		},
		ChargeID:        rec.ChargeID,
		PaymentIntentID: rec.PaymentIntentID,
		RefundID:        rec.RefundID,
		RefundStatus:    rec.Status,
	}

	res, err := s.reconciler.ReconcileProviderRefund(zctx.Base(ctx, lg), ev)
	switch {
	case errors.Is(err, order.ErrNotFound):
		lg.Info("Refund for unknown charge")
		c.unknown.Add(1)
	case err != nil:
		lg.Warn("Refund reconciliation failed", zap.Error(err))
		c.failed.Add(1)
	case res.AlreadyProcessed:
		c.already.Add(1)
	default:
		lg.Info("Refund reconciled", zap.String("order_id", res.Order.ID))
		c.reconciled.Add(1)
	}
}

// eligible reports whether a refund should be applied to its order.
func eligible(rec payment.RefundRecord) bool {
	return rec.ChargeID != "" && rec.Status == payment.RefundStatusSucceeded && rec.ChargeRefunded
}

type counters struct {
	listed, skipped, reconciled, already, unknown, failed atomic.Int64
}

func (c *counters) report() *Report {
	return &Report{
		Listed:        c.listed.Load(),
		Skipped:       c.skipped.Load(),
		Reconciled:    c.reconciled.Load(),
		AlreadyDone:   c.already.Load(),
		UnknownCharge: c.unknown.Load(),
		Failed:        c.failed.Load(),
	}
}
