package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/marketplace/internal/domain/auth"
	"github.com/xenking/marketplace/internal/domain/order"
)

// GetOrder returns an order to its owner or an administrator.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := auth.PrincipalFrom(ctx)

	o, err := h.deps.Orders.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		if !errors.Is(err, order.ErrNotFound) {
			err = &order.TransactionError{Op: "get order", Err: err}
		}
		writeError(ctx, w, err)
		return
	}
	if o.UserID != p.UserID && !p.IsAdmin() {
		writeError(ctx, w, &order.PreconditionError{OrderID: o.ID, Reason: order.ReasonNotOwner})
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// CancelOrder refunds the caller's own order before fulfillment starts.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := auth.PrincipalFrom(ctx)

	res, err := h.deps.Refunds.CancelByOwner(ctx, chi.URLParam(r, "id"), p.UserID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRefundResult(e, res) })
}

// ForceRefund refunds an order at any delivery stage.
func (h *Handler) ForceRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := h.deps.Refunds.ForceRefund(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeRefundResult(e, res) })
}

// SetDeliveryStatus advances an order's fulfillment stage. The body is
// {"deliveryStatus": "<stage>"}.
func (h *Handler) SetDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<10))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "read body")
		return
	}
	next, err := decodeDeliveryRequest(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	o, err := h.deps.Delivery.SetDeliveryStatus(ctx, chi.URLParam(r, "id"), next)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func decodeDeliveryRequest(body []byte) (order.DeliveryStatus, error) {
	var raw string
	if err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key != "deliveryStatus" {
			return d.Skip()
		}
		v, err := d.Str()
		raw = v
		return err
	}); err != nil {
		return "", errors.Wrap(err, "decode body")
	}
	if raw == "" {
		return "", errors.New("deliveryStatus is required")
	}
	s, ok := order.ParseDeliveryStatus(raw)
	if !ok {
		return "", errors.Errorf("unknown deliveryStatus %q", raw)
	}
	return s, nil
}
