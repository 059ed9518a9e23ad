package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/service"
)

type CartService interface {
	Get(ctx context.Context, id domain.Identity) (*domain.CartSession, error)
	AddItem(ctx context.Context, id domain.Identity, ref string, quantity int) (*domain.CartSession, error)
	UpdateItem(ctx context.Context, id domain.Identity, ref string, quantity int) (*domain.CartSession, error)
	RemoveItem(ctx context.Context, id domain.Identity, ref string) (*domain.CartSession, error)
	Sync(ctx context.Context, id domain.Identity, req service.SyncRequest) (*domain.CartSession, error)
	Merge(ctx context.Context, sessionID, userID string) (*domain.CartSession, error)
}

type CartHandler struct {
	carts   CartService
	log     *slog.Logger
	timeout time.Duration
}

func NewCartHandler(carts CartService, log *slog.Logger, timeout time.Duration) *CartHandler {
	return &CartHandler{carts: carts, log: log, timeout: timeout}
}

type AddItemRequestDTO struct {
	ItemRef  string `json:"itemRef"`
	Quantity int    `json:"quantity"`
}

type UpdateQuantityRequestDTO struct {
	Quantity int `json:"quantity"`
}

type SyncRequestDTO struct {
	SessionID string             `json:"sessionId"`
	Items     []service.SyncItem `json:"items"`
	Total     int64              `json:"total"`
	Currency  string             `json:"currency"`
}

type MergeRequestDTO struct {
	SessionID string `json:"sessionId"`
}

// GET /cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing session or user identity")
		return
	}

	cart, err := h.carts.Get(ctx, id)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// POST /cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing session or user identity")
		return
	}

	var req AddItemRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ItemRef) == "" {
		respondError(w, http.StatusBadRequest, "invalid_item_ref", "itemRef is required")
		return
	}
	if req.Quantity < 1 || req.Quantity > domain.MaxItemQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 1 and 99")
		return
	}

	cart, err := h.carts.AddItem(ctx, id, req.ItemRef, req.Quantity)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, cart)
}

// PUT /cart/items/{itemRef}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing session or user identity")
		return
	}

	var req UpdateQuantityRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Quantity < 0 || req.Quantity > domain.MaxItemQuantity {
		respondError(w, http.StatusBadRequest, "invalid_quantity", "quantity must be between 0 and 99")
		return
	}

	cart, err := h.carts.UpdateItem(ctx, id, chi.URLParam(r, "itemRef"), req.Quantity)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// DELETE /cart/items/{itemRef}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing session or user identity")
		return
	}

	cart, err := h.carts.RemoveItem(ctx, id, chi.URLParam(r, "itemRef"))
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// POST /cart/sync. The body session id is used when no identity header is present.
func (h *CartHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SyncRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}

	id, ok := identityFromContext(r.Context())
	if !ok {
		id = domain.SessionIdentity(req.SessionID)
		if id.Validate() != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing session or user identity")
			return
		}
	}

	cart, err := h.carts.Sync(ctx, id, service.SyncRequest{
		Items:    req.Items,
		Total:    req.Total,
		Currency: req.Currency,
	})
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}

// POST /cart/merge, called by the login flow.
func (h *CartHandler) Merge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	id, ok := identityFromContext(r.Context())
	if !ok || id.UserID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "merge requires an authenticated user")
		return
	}

	var req MergeRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "sessionId is required")
		return
	}

	cart, err := h.carts.Merge(ctx, req.SessionID, id.UserID)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, cart)
}
