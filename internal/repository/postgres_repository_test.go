package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) (*PostgresRepository, func()) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations/postgres",
	}

	repo, err := NewPostgresRepository(creds)
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(creds))

	cleanup := func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}
	return repo, cleanup
}

func newTestOrder() *domain.Order {
	snap := domain.CartSnapshot{
		CartID:     uuid.NewString(),
		CustomerID: "user-123",
		Items: []domain.CartItem{
			{ItemRef: "product:notebook", ItemType: domain.ItemTypeProduct, Name: "Notebook", Quantity: 2, UnitPrice: 1000, Currency: "USD"},
		},
		Total:    2000,
		Currency: "USD",
	}
	o := domain.NewOrderFromSnapshot(snap, "buyer@example.com", time.Now())
	o.PaymentProvider = "card"
	return o
}

func TestCreateOrder_RoundTrip(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	order := newTestOrder()
	require.NoError(t, repo.CreateOrder(ctx, order))

	fetched, err := repo.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, fetched.OrderNumber)
	assert.Equal(t, int64(2000), fetched.Total)
	assert.Equal(t, domain.OrderStatusPending, fetched.Status)
	require.Len(t, fetched.Items, 1)
	assert.Equal(t, "product:notebook", fetched.Items[0].ItemRef)

	byNumber, err := repo.GetOrderByNumber(ctx, order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, order.ID, byNumber.ID)
}

func TestCreateOrder_DuplicateCart(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	first := newTestOrder()
	require.NoError(t, repo.CreateOrder(ctx, first))

	second := newTestOrder()
	second.CartSessionID = first.CartSessionID
	assert.ErrorIs(t, repo.CreateOrder(ctx, second), ErrDuplicateOrder)
}

func TestGetOrderByID_NotFound(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()

	_, err := repo.GetOrderByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyTransition_CASAndIdempotency(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	order := newTestOrder()
	require.NoError(t, repo.CreateOrder(ctx, order))

	tr := domain.StatusTransition{
		OrderID:        order.ID,
		From:           domain.OrderStatusPending,
		To:             domain.OrderStatusProcessing,
		PaymentID:      "pi_123",
		Source:         "checkout",
		IdempotencyKey: domain.TransitionKey("card", "pi_123", domain.OrderStatusProcessing),
	}
	event := &OutboxEvent{
		AggregateId: order.ID.String(),
		EventType:   "order.processing",
		Payload:     json.RawMessage(`{"status":"processing"}`),
	}
	require.NoError(t, repo.ApplyTransition(ctx, tr, event))

	assert.ErrorIs(t, repo.ApplyTransition(ctx, tr, event), ErrDuplicateTransition)

	stale := tr
	stale.IdempotencyKey = "other-key"
	assert.ErrorIs(t, repo.ApplyTransition(ctx, stale, nil), ErrStatusConflict)

	fetched, err := repo.GetOrderByPaymentID(ctx, "card", "pi_123")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, fetched.Status)

	history, err := repo.ListHistory(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1, "rolled back transitions leave no history")
	assert.Equal(t, domain.OrderStatusProcessing, history[0].To)

	events, err := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, repo.MarkEventAsProcessed(ctx, events[0].ID))

	events, err = repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestListStaleOrders(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	old := newTestOrder()
	old.StatusChangedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, repo.CreateOrder(ctx, old))
	require.NoError(t, repo.CreateOrder(ctx, newTestOrder()))

	stale, err := repo.ListStaleOrders(ctx,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing},
		time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestWebhookEvents_Dedupe(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	ev := &domain.WebhookEvent{
		Provider:        "card",
		ExternalEventID: "evt_1",
		EventType:       "payment.succeeded",
		Payload:         json.RawMessage(`{"id":"evt_1"}`),
		ReceivedAt:      time.Now(),
	}

	applied, err := repo.BeginEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, repo.CompleteEvent(ctx, "card", "evt_1", domain.WebhookFailed, "db down"))
	applied, err = repo.BeginEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, applied, "failed deliveries are retried")

	require.NoError(t, repo.CompleteEvent(ctx, "card", "evt_1", domain.WebhookApplied, ""))
	applied, err = repo.BeginEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, applied)

	require.NoError(t, repo.RecordRejection(ctx, &domain.WebhookEvent{
		Provider:   "card",
		Signature:  "t=1,v1=bad",
		Payload:    []byte("not json"),
		ReceivedAt: time.Now(),
	}, "signature mismatch"))
}

func TestRates_ManualUpsertWritesAudit(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	rate := domain.ExchangeRate{FromCurrency: "usd", ToCurrency: "eur", Rate: 0.9, Enabled: true}
	require.NoError(t, repo.UpsertManualRate(ctx, rate, "admin-1"))
	rate.Rate = 0.92
	require.NoError(t, repo.UpsertManualRate(ctx, rate, "admin-2"))

	manual, err := repo.ListEnabledRates(ctx, domain.RateSourceManual)
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, "USD", manual[0].FromCurrency)
	assert.InDelta(t, 0.92, manual[0].Rate, 1e-9)

	audit, err := repo.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "admin-2", audit[0].ChangedBy)
	require.NotNil(t, audit[0].OldRate)
	assert.InDelta(t, 0.9, *audit[0].OldRate, 1e-9)
	assert.Nil(t, audit[1].OldRate)
}

func TestRates_AutoRatesStampSettings(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, repo.EnsureSettings(ctx, domain.CurrencySettings{BaseCurrency: "USD", AutoUpdate: true, UpdateIntervalHours: 24}))
	require.NoError(t, repo.EnsureSettings(ctx, domain.CurrencySettings{BaseCurrency: "EUR", AutoUpdate: false, UpdateIntervalHours: 1}))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.SaveAutoRates(ctx, []domain.ExchangeRate{
		{FromCurrency: "USD", ToCurrency: "EUR", Rate: 0.91},
		{FromCurrency: "USD", ToCurrency: "JPY", Rate: 150.2},
	}, at))

	s, err := repo.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "USD", s.BaseCurrency, "existing settings are not overwritten")
	require.NotNil(t, s.LastUpdate)
	assert.True(t, at.Equal(s.LastUpdate.UTC()))

	auto, err := repo.ListEnabledRates(ctx, domain.RateSourceAuto)
	require.NoError(t, err)
	assert.Len(t, auto, 2)

	s.AutoUpdate = false
	s.UpdateIntervalHours = 6
	require.NoError(t, repo.UpdateSettings(ctx, s))
	s, err = repo.GetSettings(ctx)
	require.NoError(t, err)
	assert.False(t, s.AutoUpdate)
	assert.Equal(t, 6, s.UpdateIntervalHours)
}

func TestBookings_CreateOnceAndCancel(t *testing.T) {
	repo, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	b := &domain.Booking{
		ID:         uuid.New(),
		Provider:   "scheduler",
		ExternalID: "inv-1",
		StartsAt:   time.Now().Add(24 * time.Hour),
		Status:     domain.BookingStatusScheduled,
		CreatedAt:  time.Now(),
	}
	created, err := repo.CreateBooking(ctx, b)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *b
	dup.ID = uuid.New()
	created, err = repo.CreateBooking(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, repo.UpdateBookingStatus(ctx, b.ID, domain.BookingStatusScheduled, domain.BookingStatusCancelled))
	assert.ErrorIs(t, repo.UpdateBookingStatus(ctx, b.ID, domain.BookingStatusScheduled, domain.BookingStatusCancelled), ErrStatusConflict)

	got, err := repo.GetBooking(ctx, "scheduler", "inv-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, got.Status)
}
