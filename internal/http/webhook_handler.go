package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

type WebhookReconciler interface {
	HandlePayment(ctx context.Context, providerID string, header http.Header, body []byte) (domain.WebhookOutcome, error)
	HandleScheduler(ctx context.Context, header http.Header, body []byte) (domain.WebhookOutcome, error)
}

type WebhookHandler struct {
	reconciler WebhookReconciler
	log        *slog.Logger
}

func NewWebhookHandler(reconciler WebhookReconciler, log *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, log: log}
}

type WebhookResponseDTO struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// POST /webhooks/{provider}. A non-2xx answer makes the provider redeliver.
func (h *WebhookHandler) Payment(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	outcome, err := h.reconciler.HandlePayment(r.Context(), chi.URLParam(r, "provider"), r.Header, body)
	h.respond(w, r, outcome, err)
}

// POST /webhooks/scheduler
func (h *WebhookHandler) Scheduler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	outcome, err := h.reconciler.HandleScheduler(r.Context(), r.Header, body)
	h.respond(w, r, outcome, err)
}

func (h *WebhookHandler) respond(w http.ResponseWriter, r *http.Request, outcome domain.WebhookOutcome, err error) {
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, WebhookResponseDTO{Received: true, Outcome: string(outcome)})
}
