package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/segmentio/kafka-go"
)

const EventCartAbandoned = "cart.abandoned"

// ReminderNotifier emits abandoned-cart reminder requests. Delivery to the customer happens downstream.
type ReminderNotifier struct {
	writer MessageWriter
}

func NewReminderNotifier(writer MessageWriter) *ReminderNotifier {
	return &ReminderNotifier{writer: writer}
}

type reminderItem struct {
	ItemRef   string `json:"item_ref"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type reminderPayload struct {
	EventType      string         `json:"event_type"`
	CartID         string         `json:"cart_id"`
	UserID         string         `json:"user_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Items          []reminderItem `json:"items"`
	Total          int64          `json:"total"`
	Currency       string         `json:"currency"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

func (n *ReminderNotifier) NotifyAbandoned(ctx context.Context, cart *domain.CartSession) error {
	items := make([]reminderItem, len(cart.Items))
	for i, it := range cart.Items {
		items[i] = reminderItem{ItemRef: it.ItemRef, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	payload, err := json.Marshal(reminderPayload{
		EventType:      EventCartAbandoned,
		CartID:         cart.ID,
		UserID:         cart.UserID,
		SessionID:      cart.SessionID,
		Items:          items,
		Total:          cart.Total,
		Currency:       cart.Currency,
		LastActivityAt: cart.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(cart.ID),
		Value:   payload,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(EventCartAbandoned)}},
	})
	if err != nil {
		return fmt.Errorf("publish reminder for cart %s: %w", cart.ID, err)
	}
	return nil
}
