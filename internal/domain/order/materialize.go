package order

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/marketplace/internal/domain/payment"
	"github.com/xenking/marketplace/internal/domain/product"
)

// MaterializeResult is the outcome of a successful materialization.
type MaterializeResult struct {
	Order *Order
	// AlreadyProcessed is set when an order for the charge existed before
	// this call; nothing was written.
	AlreadyProcessed bool
}

// Materializer turns captured charges into orders.
type Materializer struct {
	orders  Reader
	catalog product.Catalog
	tx      Transactor
	now     func() time.Time

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// NewMaterializer creates a Materializer.
func NewMaterializer(orders Reader, catalog product.Catalog, tx Transactor, tel Telemetry) (*Materializer, error) {
	outcomes, err := tel.meter().Int64Counter("market.orders.materialize",
		metric.WithDescription("Charge captured events by materialization outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create materialize counter")
	}
	return &Materializer{
		orders:   orders,
		catalog:  catalog,
		tx:       tx,
		now:      time.Now,
		tracer:   tel.tracer(),
		outcomes: outcomes,
	}, nil
}

// Materialize creates the order for a captured charge. In one transaction it
// inserts the order and its item snapshots, decrements stock for every line
// and clears the buyer's cart. Redelivered events resolve to the existing
// order with AlreadyProcessed set.
//
// On *product.InsufficientStockError, *product.NotFoundError or any other
// error nothing has been written and the event may be retried.
func (m *Materializer) Materialize(ctx context.Context, ev *payment.ChargeCaptured) (_ *MaterializeResult, rerr error) {
	ctx, span := m.tracer.Start(ctx, "order.Materialize",
		trace.WithAttributes(attribute.String("charge.id", ev.ChargeID)),
	)
	defer endSpan(span, &rerr)

	lg := zctx.From(ctx).With(
		zap.String("charge_id", ev.ChargeID),
		zap.String("event_id", ev.ID),
	)

	if err := validateCapture(ev); err != nil {
		m.record(ctx, "invalid")
		return nil, err
	}

	// Fast path for redeliveries. The unique charge id below is what
	// actually guarantees a single order.
	existing, err := m.orders.FindByChargeID(ctx, ev.ChargeID)
	switch {
	case err == nil:
		lg.Info("Charge already materialized", zap.String("order_id", existing.ID))
		m.record(ctx, "duplicate")
		return &MaterializeResult{Order: existing, AlreadyProcessed: true}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, &TransactionError{Op: "find order by charge", Err: err}
	}

	lines := MergeLines(ev.Lines)
	items, err := m.snapshot(ctx, lines)
	if err != nil {
		var nf *product.NotFoundError
		if errors.As(err, &nf) {
			lg.Warn("Charge references unknown product", zap.String("product_id", nf.ProductID))
			m.record(ctx, "unknown_product")
		}
		return nil, err
	}

	now := m.now().UTC()
	o := &Order{
		ID:              uuid.NewString(),
		UserID:          ev.UserID,
		ChargeID:        ev.ChargeID,
		PaymentIntentID: ev.PaymentIntentID,
		ReceiptURL:      ev.ReceiptURL,
		Status:          StatusPaid,
		DeliveryStatus:  DeliveryNotProcessed,
		AmountCaptured:  ev.AmountCaptured,
		Currency:        strings.ToLower(ev.Currency),
		Shipping:        ev.Shipping,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var cleared int64
	err = m.tx.InTx(ctx, func(ctx context.Context, tx Tx) error {
		inserted, err := tx.Orders().Insert(ctx, o)
		if err != nil {
			return &TransactionError{Op: "insert order", Err: err}
		}
		if !inserted {
			return errAlreadyProcessed
		}

		// Lines are sorted by product id so concurrent checkouts lock
		// product rows in the same order.
		for _, l := range lines {
			if err := tx.Stock().Decrement(ctx, l.ProductID, l.Quantity); err != nil {
				return classify("decrement stock", err)
			}
		}

		n, err := tx.Carts().Clear(ctx, o.UserID)
		if err != nil {
			return &TransactionError{Op: "clear cart", Err: err}
		}
		cleared = n
		return nil
	})

	var ise *product.InsufficientStockError
	switch {
	case err == nil:
	case errors.Is(err, errAlreadyProcessed):
		// Lost the race against a concurrent delivery of the same charge.
		winner, ferr := m.orders.FindByChargeID(ctx, ev.ChargeID)
		if ferr != nil {
			return nil, &TransactionError{Op: "find order by charge", Err: ferr}
		}
		lg.Info("Charge materialized concurrently", zap.String("order_id", winner.ID))
		m.record(ctx, "duplicate")
		return &MaterializeResult{Order: winner, AlreadyProcessed: true}, nil
	case errors.As(err, &ise):
		lg.Warn("Insufficient stock, order aborted",
			zap.String("product_id", ise.ProductID),
			zap.Int("requested", ise.Requested),
			zap.Int("available", ise.Available),
		)
		m.record(ctx, "insufficient_stock")
		return nil, err
	default:
		m.record(ctx, "failed")
		return nil, classify("materialize order", err)
	}

	lg.Info("Order materialized",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.Int("lines", len(o.Items)),
		zap.Int64("cart_items_cleared", cleared),
	)
	m.record(ctx, "created")
	return &MaterializeResult{Order: o}, nil
}

// snapshot copies title, price and image from the live catalog for each line.
func (m *Materializer) snapshot(ctx context.Context, lines []payment.Line) ([]Item, error) {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}

	fetched, err := m.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, &TransactionError{Op: "get products", Err: err}
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	items := make([]Item, len(lines))
	for i, l := range lines {
		p, ok := byID[l.ProductID]
		if !ok {
			return nil, &product.NotFoundError{ProductID: l.ProductID}
		}
		items[i] = Item{
			ProductID: p.ID,
			Title:     p.Title,
			UnitPrice: p.Price,
			Image:     p.Image,
			Quantity:  l.Quantity,
		}
	}
	return items, nil
}

func (m *Materializer) record(ctx context.Context, outcome string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func validateCapture(ev *payment.ChargeCaptured) error {
	switch {
	case ev.ChargeID == "":
		return &payment.PayloadError{Field: "charge.id", Err: errors.New("empty")}
	case ev.UserID == "":
		return &payment.PayloadError{Field: "metadata." + payment.MetadataUserID, Err: errors.New("empty")}
	case len(ev.Lines) == 0:
		return &payment.PayloadError{Field: "metadata." + payment.MetadataCartItems, Err: errors.New("no lines")}
	case ev.AmountCaptured < 0:
		return &payment.PayloadError{Field: "charge.amount_captured", Err: errors.New("negative")}
	}
	totals := make(map[string]int, len(ev.Lines))
	for _, l := range ev.Lines {
		if l.ProductID == "" || l.Quantity <= 0 || l.Quantity > payment.MaxQuantity {
			return &payment.PayloadError{
				Field: "metadata." + payment.MetadataCartItems,
				Err:   errors.Errorf("invalid line %+v", l),
			}
		}
		// Both operands are within [0, MaxQuantity], so the subtraction
		// cannot wrap.
		if l.Quantity > payment.MaxQuantity-totals[l.ProductID] {
			return &payment.PayloadError{
				Field: "metadata." + payment.MetadataCartItems,
				Err:   errors.Errorf("total quantity of %s exceeds %d", l.ProductID, payment.MaxQuantity),
			}
		}
		totals[l.ProductID] += l.Quantity
	}
	return nil
}

// MergeLines sums quantities of lines that reference the same product and
// returns them sorted by product id. Callers validate the lines first; the
// sums are not checked for overflow.
func MergeLines(lines []payment.Line) []payment.Line {
	qty := make(map[string]int, len(lines))
	for _, l := range lines {
		qty[l.ProductID] += l.Quantity
	}
	out := make([]payment.Line, 0, len(qty))
	for id, q := range qty {
		out = append(out, payment.Line{ProductID: id, Quantity: q})
	}
	slices.SortFunc(out, func(a, b payment.Line) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return out
}
