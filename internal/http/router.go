package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Handlers struct {
	Cart     *CartHandler
	Checkout *CheckoutHandler
	Orders   *OrdersHandler
	Rates    *RatesHandler
	Webhooks *WebhookHandler
	// Ready reports whether the backing stores answer. Nil means always ready.
	Ready func(ctx context.Context) error
}

func NewRouter(h Handlers, log *slog.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if h.Ready != nil {
			if err := h.Ready(r.Context()); err != nil {
				log.WarnContext(r.Context(), "readiness check failed", "error", err)
				respondError(w, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable")
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/scheduler", h.Webhooks.Scheduler)
		r.Post("/{provider}", h.Webhooks.Payment)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Use(IdentityMiddleware)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.Cart.GetCart)
			r.Post("/items", h.Cart.AddItem)
			r.Put("/items/{itemRef}", h.Cart.UpdateQuantity)
			r.Delete("/items/{itemRef}", h.Cart.RemoveItem)
			r.Post("/sync", h.Cart.Sync)
			r.Post("/merge", h.Cart.Merge)
		})

		r.Post("/checkout", h.Checkout.Checkout)

		r.Route("/orders/{id}", func(r chi.Router) {
			r.Get("/", h.Orders.GetOrder)
			r.Get("/verify", h.Orders.Verify)
			r.Post("/cancel", h.Orders.Cancel)
		})

		r.Route("/exchange-rates", func(r chi.Router) {
			r.Get("/", h.Rates.List)
			r.Get("/convert", h.Rates.Convert)
			r.With(RequireAdmin).Put("/", h.Rates.SetRate)
			r.With(RequireAdmin).Put("/settings", h.Rates.UpdateSettings)
			r.With(RequireAdmin).Get("/audit", h.Rates.Audit)
		})
	})

	return otelhttp.NewHandler(r, "commerce-http")
}
