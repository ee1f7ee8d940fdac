package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/marketplace/internal/domain/auth"
)

// APIKeyHeader is the primary API key header. "Authorization: Bearer" is
// accepted as well.
const APIKeyHeader = "api_key"

// authenticate resolves the API key to a principal. The stored hash is
// compared in constant time against the computed one.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := apiKeyFrom(r)
		if key == "" {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "missing api key")
			return
		}

		hash := auth.HashKey(h.cfg.APIKeyPepper, key)
		k, err := h.deps.APIKeys.FindByHash(ctx, hash)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		case err != nil:
			zctx.From(ctx).Error("API key lookup failed", zap.Error(err))
			writeProblem(w, http.StatusServiceUnavailable, "transaction_failed", "api key lookup failed")
			return
		}
		if subtle.ConstantTimeCompare([]byte(hash), []byte(k.KeyHash)) != 1 {
			writeProblem(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		}

		p := auth.Principal{KeyID: k.ID, UserID: k.UserID, Scopes: k.Scopes}
		ctx = auth.WithPrincipal(ctx, p)
		ctx = zctx.Base(ctx, zctx.From(ctx).With(zap.String("principal", p.UserID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			writeProblem(w, http.StatusForbidden, "forbidden", "admin scope required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
