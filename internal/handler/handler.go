// Package handler exposes the payment webhook and the order endpoints over
// HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/marketplace/internal/domain/auth"
	"github.com/xenking/marketplace/internal/domain/order"
	"github.com/xenking/marketplace/internal/webhook"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// Defaults for Config zero values.
const (
	DefaultWebhookMaxBytes = 64 << 10
	DefaultWebhookTimeout  = 10 * time.Second
)

// Ingestor processes raw provider callbacks.
type Ingestor interface {
	Ingest(ctx context.Context, payload []byte, signature string) (*webhook.Result, error)
}

// Refunds runs caller-initiated refunds.
type Refunds interface {
	ForceRefund(ctx context.Context, orderID string) (*order.RefundResult, error)
	CancelByOwner(ctx context.Context, orderID, userID string) (*order.RefundResult, error)
}

// Delivery advances fulfillment.
type Delivery interface {
	SetDeliveryStatus(ctx context.Context, orderID string, next order.DeliveryStatus) (*order.Order, error)
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// APIKeyPepper is the HMAC key API keys are hashed with.
	APIKeyPepper []byte
	// WebhookMaxBytes caps the webhook body.
	WebhookMaxBytes int64
	// WebhookTimeout bounds webhook processing so it finishes inside the
	// provider's acknowledgment window.
	WebhookTimeout time.Duration
	// APIMiddlewares wrap the /api routes only, never the webhook.
	APIMiddlewares []func(http.Handler) http.Handler
}

// Deps are the services the handler delegates to.
type Deps struct {
	Webhooks Ingestor
	Orders   order.Reader
	Refunds  Refunds
	Delivery Delivery
	APIKeys  auth.Repository
}

// Handler serves the HTTP API.
type Handler struct {
	cfg  Config
	deps Deps
}

// New creates a Handler.
func New(cfg Config, deps Deps) *Handler {
	if cfg.WebhookMaxBytes <= 0 {
		cfg.WebhookMaxBytes = DefaultWebhookMaxBytes
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = DefaultWebhookTimeout
	}
	return &Handler{cfg: cfg, deps: deps}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/payments", h.Webhook)

	r.Route("/api", func(r chi.Router) {
		for _, mw := range h.cfg.APIMiddlewares {
			r.Use(mw)
		}
		r.Use(h.authenticate)

		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Post("/orders/{id}/refund", h.ForceRefund)
			r.Patch("/orders/{id}/delivery", h.SetDeliveryStatus)
		})
	})
}

// Router returns a chi router with all routes registered.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}
