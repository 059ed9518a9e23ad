package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrCartNotFound        = fmt.Errorf("cart %w", domain.ErrNotFound)
	ErrOrderNotFound       = fmt.Errorf("order %w", domain.ErrNotFound)
	ErrBookingNotFound     = fmt.Errorf("booking %w", domain.ErrNotFound)
	ErrCatalogItemNotFound = fmt.Errorf("catalog item %w", domain.ErrNotFound)
	ErrDuplicateCart       = errors.New("active cart for this identity already exists")
	ErrDuplicateOrder      = errors.New("order for this cart already exists")
	ErrVersionConflict     = errors.New("cart was modified concurrently")
	ErrStatusConflict      = errors.New("order status changed concurrently")
	ErrDuplicateTransition = errors.New("status transition already applied")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	SSLMode           string
	MigrationsDirPath string
}

// CartRepository stores cart sessions. Writes are conditional on Version.
type CartRepository interface {
	FindActive(ctx context.Context, id domain.Identity) (*domain.CartSession, error)
	FindByID(ctx context.Context, cartID string) (*domain.CartSession, error)
	Insert(ctx context.Context, cart *domain.CartSession) error
	Replace(ctx context.Context, cart *domain.CartSession, expectedVersion int64) error
	Delete(ctx context.Context, cartID string, expectedVersion int64) error
	MarkConverted(ctx context.Context, cartID, orderID string) (*domain.CartSession, error)
	ReleaseConversion(ctx context.Context, cartID, orderID string) error
	FindAbandoned(ctx context.Context, idleBefore time.Time, limit int) ([]*domain.CartSession, error)
	MarkReminderSent(ctx context.Context, cartID string, version int64, at time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*domain.Order, error)
	GetOrderByPaymentID(ctx context.Context, provider, paymentID string) (*domain.Order, error)
	ApplyTransition(ctx context.Context, t domain.StatusTransition, event *OutboxEvent) error
	ListStaleOrders(ctx context.Context, statuses []domain.OrderStatus, idleBefore time.Time, limit int) ([]*domain.Order, error)
	ListHistory(ctx context.Context, orderID uuid.UUID) ([]*StatusHistoryEntry, error)
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

type WebhookRepository interface {
	// BeginEvent records a delivery. It reports true when the same event was already applied.
	BeginEvent(ctx context.Context, ev *domain.WebhookEvent) (bool, error)
	CompleteEvent(ctx context.Context, provider, externalID string, outcome domain.WebhookOutcome, errMsg string) error
	RecordRejection(ctx context.Context, ev *domain.WebhookEvent, reason string) error
}

type RateRepository interface {
	ListRates(ctx context.Context) ([]domain.ExchangeRate, error)
	ListEnabledRates(ctx context.Context, source domain.RateSource) ([]domain.ExchangeRate, error)
	UpsertManualRate(ctx context.Context, rate domain.ExchangeRate, actor string) error
	SaveAutoRates(ctx context.Context, rates []domain.ExchangeRate, at time.Time) error
	EnsureSettings(ctx context.Context, defaults domain.CurrencySettings) error
	GetSettings(ctx context.Context) (domain.CurrencySettings, error)
	UpdateSettings(ctx context.Context, s domain.CurrencySettings) error
	ListAudit(ctx context.Context, limit int) ([]domain.RateAudit, error)
}

type BookingRepository interface {
	// CreateBooking inserts b unless (provider, external id) exists. It reports whether a row was created.
	CreateBooking(ctx context.Context, b *domain.Booking) (bool, error)
	GetBooking(ctx context.Context, provider, externalID string) (*domain.Booking, error)
	UpdateBookingStatus(ctx context.Context, id uuid.UUID, from, to domain.BookingStatus) error
}

type CatalogRepository interface {
	GetItem(ctx context.Context, ref string) (*domain.CatalogItem, error)
	ListItems(ctx context.Context) ([]*domain.CatalogItem, error)
}

type OutboxEvent struct {
	ID          int64
	AggregateId string
	EventType   string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

type StatusHistoryEntry struct {
	From      domain.OrderStatus `json:"from"`
	To        domain.OrderStatus `json:"to"`
	Source    string             `json:"source"`
	CreatedAt time.Time          `json:"createdAt"`
}
