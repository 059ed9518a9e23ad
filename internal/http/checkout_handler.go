package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/service"
)

type CheckoutService interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
}

type CheckoutHandler struct {
	checkout CheckoutService
	log      *slog.Logger
	timeout  time.Duration
}

func NewCheckoutHandler(checkout CheckoutService, log *slog.Logger, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, log: log, timeout: timeout}
}

type CheckoutRequestDTO struct {
	CartID   string `json:"cartId"`
	Provider string `json:"provider"`
	Email    string `json:"email"`
}

type CheckoutResponseDTO struct {
	OrderID      string `json:"orderId"`
	OrderNumber  string `json:"orderNumber"`
	Status       string `json:"status"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
	Details      string `json:"details,omitempty"`
}

// POST /checkout
//
// 201 when the provider accepted the charge, 202 when the outcome is not known yet and the order
// stays pending, 402 with the order id when the provider declined.
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req CheckoutRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CartID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_cart_id", "cartId is required")
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		respondError(w, http.StatusBadRequest, "invalid_provider", "provider is required")
		return
	}

	caller, _ := identityFromContext(r.Context())
	res, err := h.checkout.Checkout(ctx, service.CheckoutRequest{
		CartID:   req.CartID,
		Provider: req.Provider,
		Email:    req.Email,
		Identity: caller,
	})

	var declined *domain.DeclinedError
	if errors.As(err, &declined) && res != nil {
		dto := toCheckoutDTO(res)
		dto.Error, dto.Code, dto.Details = "payment declined", "payment_declined", declined.Message
		respondJSON(w, http.StatusPaymentRequired, dto)
		return
	}
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	status := http.StatusCreated
	if res.Unknown {
		status = http.StatusAccepted
	}
	respondJSON(w, status, toCheckoutDTO(res))
}

func toCheckoutDTO(res *service.CheckoutResult) CheckoutResponseDTO {
	return CheckoutResponseDTO{
		OrderID:      res.OrderID.String(),
		OrderNumber:  res.OrderNumber,
		Status:       string(res.Status),
		RedirectURL:  res.RedirectURL,
		ClientSecret: res.ClientSecret,
	}
}
