package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OrderItem struct {
	ItemRef   string   `json:"item_ref"`
	ItemType  ItemType `json:"item_type"`
	Name      string   `json:"name"`
	Quantity  int      `json:"quantity"`
	UnitPrice int64    `json:"unit_price"`
	Currency  string   `json:"currency"`
}

type Order struct {
	ID              uuid.UUID
	OrderNumber     string
	CartSessionID   string
	Customer        string
	CustomerEmail   string
	Items           []OrderItem
	Total           int64
	Currency        string
	Status          OrderStatus
	PaymentProvider string
	PaymentID       string
	FailureReason   string
	StatusChangedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewOrderFromSnapshot copies the cart snapshot verbatim into a pending order.
func NewOrderFromSnapshot(s CartSnapshot, email string, now time.Time) *Order {
	return NewOrderWithID(uuid.New(), s, email, now)
}

// NewOrderWithID is NewOrderFromSnapshot for callers that had to reserve the id up front.
func NewOrderWithID(id uuid.UUID, s CartSnapshot, email string, now time.Time) *Order {
	items := make([]OrderItem, len(s.Items))
	for i, it := range s.Items {
		items[i] = OrderItem{
			ItemRef:   it.ItemRef,
			ItemType:  it.ItemType,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Currency:  it.Currency,
		}
	}
	return &Order{
		ID:              id,
		OrderNumber:     NewOrderNumber(id, now),
		CartSessionID:   s.CartID,
		Customer:        s.CustomerID,
		CustomerEmail:   email,
		Items:           items,
		Total:           s.Total,
		Currency:        s.Currency,
		Status:          OrderStatusPending,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// OwnedBy reports whether the identity placed the order.
func (o *Order) OwnedBy(caller Identity) bool {
	if caller.Validate() != nil {
		return false
	}
	if caller.UserID != "" && strings.HasPrefix(o.Customer, guestPrefix) {
		return false
	}
	return o.Customer == caller.CustomerRef()
}

// NewOrderNumber renders a human readable number such as ORD-20261019-4F2A9C.
func NewOrderNumber(id uuid.UUID, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:6])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

// TransitionKey is the idempotency key of one applied status edge.
func TransitionKey(provider, paymentID string, to OrderStatus) string {
	return provider + ":" + paymentID + ":" + string(to)
}

// StatusTransition describes one compare-and-swap on an order's status.
type StatusTransition struct {
	OrderID        uuid.UUID
	From           OrderStatus
	To             OrderStatus
	PaymentID      string
	FailureReason  string
	Source         string
	IdempotencyKey string
}
