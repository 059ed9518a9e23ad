package domain

import (
	"strings"
	"time"
)

const (
	DefaultCartTTL  = 30 * 24 * time.Hour
	MaxItemQuantity = 99
)

// ItemType distinguishes what a cart line refers to.
type ItemType string

const (
	ItemTypeProduct ItemType = "product"
	ItemTypeService ItemType = "service"
)

// Identity keys a cart: exactly one of SessionID (anonymous token) or UserID.
type Identity struct {
	SessionID string
	UserID    string
}

func SessionIdentity(sessionID string) Identity {
	return Identity{SessionID: strings.TrimSpace(sessionID)}
}

func UserIdentity(userID string) Identity { return Identity{UserID: strings.TrimSpace(userID)} }

func (i Identity) Validate() error {
	hasSession, hasUser := i.SessionID != "", i.UserID != ""
	if hasSession == hasUser {
		return Validationf("identity needs exactly one of session id or user id")
	}
	return nil
}

func (i Identity) String() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "session:" + i.SessionID
}

// CustomerRef is the customer recorded on orders placed by this identity.
func (i Identity) CustomerRef() string {
	if i.UserID != "" {
		return i.UserID
	}
	return guestPrefix + i.SessionID
}

const guestPrefix = "guest:"

type CartItem struct {
	ItemRef   string    `bson:"item_ref" json:"itemRef"`
	ItemType  ItemType  `bson:"item_type" json:"itemType"`
	Name      string    `bson:"name" json:"name"`
	Quantity  int       `bson:"quantity" json:"quantity"`
	UnitPrice int64     `bson:"unit_price" json:"unitPrice"`
	Currency  string    `bson:"currency" json:"currency"`
	AddedAt   time.Time `bson:"added_at" json:"addedAt"`
}

// Subtotal is the line amount in the item's own currency.
func (i CartItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

type CartSession struct {
	ID               string     `bson:"_id" json:"id"`
	SessionID        string     `bson:"session_id,omitempty" json:"sessionId,omitempty"`
	UserID           string     `bson:"user_id,omitempty" json:"userId,omitempty"`
	Items            []CartItem `bson:"items" json:"items"`
	Total            int64      `bson:"total" json:"total"`
	Currency         string     `bson:"currency" json:"currency"`
	ExpiresAt        time.Time  `bson:"expires_at" json:"expiresAt"`
	ReminderSent     bool       `bson:"reminder_sent" json:"reminderSent"`
	ReminderSentAt   *time.Time `bson:"reminder_sent_at,omitempty" json:"reminderSentAt,omitempty"`
	ConvertedToOrder bool       `bson:"converted_to_order" json:"convertedToOrder"`
	OrderID          string     `bson:"order_id,omitempty" json:"orderId,omitempty"`
	Version          int64      `bson:"version" json:"version"`
	CreatedAt        time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `bson:"updated_at" json:"updatedAt"`
}

func (c *CartSession) Identity() Identity {
	if c.UserID != "" {
		return UserIdentity(c.UserID)
	}
	return SessionIdentity(c.SessionID)
}

func (c *CartSession) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// FindItem returns the index of ref in Items or -1.
func (c *CartSession) FindItem(ref string) int {
	for i := range c.Items {
		if c.Items[i].ItemRef == ref {
			return i
		}
	}
	return -1
}

// Touch records a mutation: bumps activity, pushes expiry and re-arms the abandonment reminder.
func (c *CartSession) Touch(now time.Time, ttl time.Duration) {
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(ttl)
	c.ReminderSent = false
	c.ReminderSentAt = nil
}

// MergeItems unions other into c, summing quantities of duplicate refs. The existing snapshot of c wins.
func (c *CartSession) MergeItems(other []CartItem) {
	for _, item := range other {
		if idx := c.FindItem(item.ItemRef); idx >= 0 {
			c.Items[idx].Quantity += item.Quantity
			continue
		}
		c.Items = append(c.Items, item)
	}
}

// CartSnapshot is what checkout hands to order creation. Nothing in it is re-priced afterwards.
type CartSnapshot struct {
	CartID     string
	CustomerID string
	Items      []CartItem
	Total      int64
	Currency   string
	CapturedAt time.Time
}

func (c *CartSession) Snapshot(now time.Time) CartSnapshot {
	items := make([]CartItem, len(c.Items))
	copy(items, c.Items)
	return CartSnapshot{
		CartID:     c.ID,
		CustomerID: c.Identity().CustomerRef(),
		Items:      items,
		Total:      c.Total,
		Currency:   c.Currency,
		CapturedAt: now,
	}
}

// CatalogItem is a sellable product or service as priced by the catalog.
type CatalogItem struct {
	Ref      string
	Type     ItemType
	Name     string
	Price    int64
	Currency string
	Active   bool
}
