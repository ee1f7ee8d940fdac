package handler

import (
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/domain/payment"
)

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	str := func(name, v string) {
		e.FieldStart(name)
		e.Str(v)
	}
	str("id", o.ID)
	str("userId", o.UserID)
	str("chargeId", o.ChargeID)
	str("paymentIntentId", o.PaymentIntentID)
	if o.ReceiptURL != "" {
		str("receiptUrl", o.ReceiptURL)
	}
	str("status", string(o.Status))
	str("deliveryStatus", string(o.DeliveryStatus))
	e.FieldStart("amountCaptured")
	e.Int64(o.AmountCaptured)
	str("currency", o.Currency)
	e.FieldStart("refunded")
	e.Bool(o.Refunded)
	if o.RefundID != "" {
		str("refundId", o.RefundID)
	}
	e.FieldStart("shipping")
	encodeAddress(e, o.Shipping)

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		str("productId", it.ProductID)
		str("title", it.Title)
		// Money is encoded as a decimal string.
		str("unitPrice", it.UnitPrice.StringFixed(2))
		if it.Image != "" {
			str("image", it.Image)
		}
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	str("subtotal", o.Subtotal().StringFixed(2))

	if !o.CreatedAt.IsZero() {
		str("createdAt", o.CreatedAt.UTC().Format(time.RFC3339))
	}
	if !o.UpdatedAt.IsZero() {
		str("updatedAt", o.UpdatedAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
}

func encodeAddress(e *jx.Encoder, a payment.Address) {
	e.ObjStart()
	for _, f := range [...]struct{ name, v string }{
		{"name", a.Name},
		{"line1", a.Line1},
		{"line2", a.Line2},
		{"city", a.City},
		{"state", a.State},
		{"postalCode", a.PostalCode},
		{"country", a.Country},
	} {
		if f.v == "" {
			continue
		}
		e.FieldStart(f.name)
		e.Str(f.v)
	}
	e.ObjEnd()
}

func encodeRefundResult(e *jx.Encoder, res *order.RefundResult) {
	e.ObjStart()
	e.FieldStart("alreadyProcessed")
	e.Bool(res.AlreadyProcessed)
	e.FieldStart("order")
	encodeOrder(e, res.Order)
	e.ObjEnd()
}
