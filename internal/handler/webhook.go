package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Webhook receives payment provider callbacks. The raw body is verified
// before anything is parsed. Any non-2xx response makes the provider
// redeliver, which is safe because processing is idempotent.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.WebhookTimeout)
	defer cancel()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.WebhookMaxBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body too large")
			return
		}
		writeProblem(w, http.StatusBadRequest, "invalid_payload", "read body")
		return
	}

	res, err := h.deps.Webhooks.Ingest(ctx, body, r.Header.Get(SignatureHeader))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("received")
		e.Bool(true)
		e.FieldStart("eventId")
		e.Str(res.EventID)
		e.FieldStart("outcome")
		e.Str(string(res.Outcome))
		if res.Order != nil {
			e.FieldStart("orderId")
			e.Str(res.Order.ID)
		}
		e.ObjEnd()
	})
}
