package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/fjod/go_cart/commerce-service/internal/service"
)

type OrderService interface {
	Get(ctx context.Context, caller domain.Identity, id uuid.UUID) (*domain.Order, []*repository.StatusHistoryEntry, error)
	Verify(ctx context.Context, caller domain.Identity, id uuid.UUID) (bool, *domain.Order, error)
	Cancel(ctx context.Context, caller domain.Identity, id uuid.UUID, source string) (*domain.Order, error)
}

type OrdersHandler struct {
	orders  OrderService
	log     *slog.Logger
	timeout time.Duration
}

func NewOrdersHandler(orders OrderService, log *slog.Logger, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{orders: orders, log: log, timeout: timeout}
}

type OrderItemDTO struct {
	ItemRef   string `json:"itemRef"`
	ItemType  string `json:"itemType"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Currency  string `json:"currency"`
}

type OrderDTO struct {
	ID              string                           `json:"id"`
	OrderNumber     string                           `json:"orderNumber"`
	Status          string                           `json:"status"`
	Items           []OrderItemDTO                   `json:"items"`
	Total           int64                            `json:"total"`
	Currency        string                           `json:"currency"`
	PaymentProvider string                           `json:"paymentProvider,omitempty"`
	PaymentID       string                           `json:"paymentId,omitempty"`
	FailureReason   string                           `json:"failureReason,omitempty"`
	CreatedAt       time.Time                        `json:"createdAt"`
	UpdatedAt       time.Time                        `json:"updatedAt"`
	History         []*repository.StatusHistoryEntry `json:"history,omitempty"`
}

type VerifyResponseDTO struct {
	Verified bool   `json:"verified"`
	OrderID  string `json:"orderId"`
	Status   string `json:"status"`
}

// GET /orders/{id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, id, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	order, history, err := h.orders.Get(ctx, caller, id)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	dto := toOrderDTO(order)
	dto.History = history
	respondJSON(w, http.StatusOK, dto)
}

// GET /orders/{id}/verify polls the provider once for orders that are not paid yet.
func (h *OrdersHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, id, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	verified, order, err := h.orders.Verify(ctx, caller, id)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, VerifyResponseDTO{
		Verified: verified,
		OrderID:  order.ID.String(),
		Status:   string(order.Status),
	})
}

// POST /orders/{id}/cancel
func (h *OrdersHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	caller, id, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Cancel(ctx, caller, id, service.SourceAPI)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

func (h *OrdersHandler) orderRequest(w http.ResponseWriter, r *http.Request) (domain.Identity, uuid.UUID, bool) {
	caller, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing session or user identity")
		return domain.Identity{}, uuid.Nil, false
	}
	id, ok := parseOrderID(w, r)
	return caller, id, ok
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func toOrderDTO(o *domain.Order) OrderDTO {
	items := make([]OrderItemDTO, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemDTO{
			ItemRef:   it.ItemRef,
			ItemType:  string(it.ItemType),
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Currency:  it.Currency,
		}
	}
	return OrderDTO{
		ID:              o.ID.String(),
		OrderNumber:     o.OrderNumber,
		Status:          string(o.Status),
		Items:           items,
		Total:           o.Total,
		Currency:        o.Currency,
		PaymentProvider: o.PaymentProvider,
		PaymentID:       o.PaymentID,
		FailureReason:   o.FailureReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}
