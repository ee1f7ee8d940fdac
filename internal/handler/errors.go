package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/domain/payment"
	"github.com/xenking/marketplace/internal/domain/product"
)

// problem is the mapped form of an error.
type problem struct {
	status  int
	reason  string
	message string
}

// mapError converts domain errors to HTTP problems.
func mapError(err error) problem {
	var (
		se  *payment.SignatureError
		ple *payment.PayloadError
		ise *product.InsufficientStockError
		pnf *product.NotFoundError
		pe  *order.PreconditionError
		ge  *payment.GatewayError
		te  *order.TransactionError
	)
	switch {
	case errors.As(err, &se):
		return problem{http.StatusBadRequest, "invalid_signature", "invalid webhook signature"}
	case errors.As(err, &ple):
		return problem{http.StatusBadRequest, "invalid_payload", ple.Error()}
	case errors.Is(err, order.ErrNotFound):
		return problem{http.StatusNotFound, "not_found", "order not found"}
	case errors.Is(err, order.ErrAlreadyRefunded):
		return problem{http.StatusConflict, "already_refunded", "order already refunded"}
	case errors.As(err, &ise):
		return problem{http.StatusConflict, "insufficient_stock", ise.Error()}
	case errors.As(err, &pe):
		if pe.Reason == order.ReasonNotOwner {
			return problem{http.StatusForbidden, string(pe.Reason), "order belongs to another user"}
		}
		return problem{http.StatusUnprocessableEntity, string(pe.Reason), pe.Error()}
	case errors.As(err, &pnf):
		return problem{http.StatusUnprocessableEntity, "unknown_product", pnf.Error()}
	case errors.As(err, &ge):
		return problem{http.StatusBadGateway, "gateway_error", "payment provider request failed"}
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return problem{http.StatusServiceUnavailable, "transaction_failed", "temporarily unavailable, retry later"}
	default:
		return problem{http.StatusInternalServerError, "internal", "internal error"}
	}
}

// writeError maps err, logs it at a level matching its class and writes the
// error body.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	p := mapError(err)

	lg := zctx.From(ctx)
	fields := []zap.Field{zap.Int("status", p.status), zap.String("reason", p.reason), zap.Error(err)}
	if p.status >= http.StatusInternalServerError {
		lg.Error("Request failed", fields...)
	} else {
		lg.Info("Request rejected", fields...)
	}

	writeProblem(w, p.status, p.reason, p.message)
}

// writeProblem writes {"code": status, "message": ..., "reason": ...}.
func writeProblem(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(message)
		e.FieldStart("reason")
		e.Str(reason)
		e.ObjEnd()
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
