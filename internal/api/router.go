/**
 * @description
 * HTTP router setup for the billing-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the secrets and extra handlers the router mounts.
type RouterConfig struct {
	InternalAPIKey string
	JWTSecret      string
	AllowedOrigins []string
	Metrics        http.Handler
}

// NewRouter creates a new Chi router and registers the billing routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Post("/webhooks/asaas/{schoolID}", h.handleAsaasWebhook)

	r.Route("/internal/billing", func(r chi.Router) {
		if len(cfg.AllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   cfg.AllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
		}
		r.Use(OperatorAuthMiddleware(cfg.InternalAPIKey, cfg.JWTSecret))

		r.Post("/invoices/generate", h.handleGenerateInvoices)
		r.Post("/invoices/overdue/run", h.handleRunOverdue)
		r.Post("/invoices/interest/run", h.handleRunInterest)

		r.Post("/payments/{id}/reconcile", h.handleReconcilePayment)
		r.Patch("/payments/{id}", h.handleUpdatePayment)
		r.Post("/payments/{id}/cancel", h.handleCancelPayment)

		r.Post("/students/{id}/reconcile", h.handleReconcileStudent)
		r.Post("/agreements", h.handleCreateAgreement)
		r.Post("/webhook-events/{id}/replay", h.handleReplayWebhookEvent)
	})

	return r
}
