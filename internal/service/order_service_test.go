package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/payment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderFixture struct {
	svc    *OrderService
	repo   *mockOrderRepo
	card   *mockProvider
	crypto *mockProvider
	wallet *mockProvider
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	f := &orderFixture{
		repo:   newMockOrderRepo(),
		card:   &mockProvider{kind: payment.KindCard},
		crypto: &mockProvider{kind: payment.KindCrypto},
		wallet: &mockProvider{kind: payment.KindEWallet},
	}
	registry := payment.NewRegistry(f.card, f.crypto, f.wallet)
	f.svc = NewOrderService(f.repo, registry, discardLogger(), OrderOptions{
		CallTimeout: time.Second,
		ReturnURL:   "https://shop.example/return",
		Now:         func() time.Time { return testNow },
	})
	return f
}

var buyer = domain.UserIdentity("u-1")

func (f *orderFixture) seedOrder(t *testing.T, provider payment.Kind, status domain.OrderStatus, paymentID string) *domain.Order {
	t.Helper()
	snap := domain.CartSnapshot{
		CartID:     uuid.NewString(),
		CustomerID: "u-1",
		Items:      []domain.CartItem{line("product:notebook", 2, 1000)},
		Total:      2000,
		Currency:   "USD",
	}
	o := domain.NewOrderFromSnapshot(snap, "buyer@example.com", testNow.Add(-48*time.Hour))
	o.PaymentProvider = string(provider)
	o.Status = status
	o.PaymentID = paymentID
	require.NoError(t, f.repo.CreateOrder(context.Background(), o))
	return o
}

func (f *orderFixture) stored(id uuid.UUID) *domain.Order {
	o, _ := f.repo.GetOrderByID(context.Background(), id)
	return o
}

func TestInitiatePayment_MovesToProcessing(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusPending, "")
	f.card.chargeRes = &payment.Result{Status: domain.PaymentStatusProcessing, ProviderReference: "pi_1", ClientSecret: "pi_1_secret"}

	init, err := f.svc.InitiatePayment(context.Background(), order)
	require.NoError(t, err)

	assert.False(t, init.Unknown)
	assert.Equal(t, "pi_1_secret", init.ClientSecret)
	assert.Equal(t, domain.OrderStatusProcessing, init.Order.Status)

	stored := f.stored(order.ID)
	assert.Equal(t, domain.OrderStatusProcessing, stored.Status)
	assert.Equal(t, "pi_1", stored.PaymentID)

	require.Len(t, f.card.charges, 1)
	assert.Equal(t, int64(2000), f.card.charges[0].Amount)
	assert.Equal(t, order.ID.String(), f.card.charges[0].OrderID)
	assert.Equal(t, "https://shop.example/return", f.card.charges[0].ReturnURL)

	require.Len(t, f.repo.outbox, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(f.repo.outbox[0].Payload, &payload))
	assert.Equal(t, "processing", payload["to"])
	assert.Equal(t, EventOrderStatusChanged, f.repo.outbox[0].EventType)
}

func TestInitiatePayment_DeclineFailsWithVerbatimMessage(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusPending, "")
	f.card.chargeErr = &domain.DeclinedError{Provider: "card", Message: "Your card has insufficient funds."}

	init, err := f.svc.InitiatePayment(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrProviderDeclined)
	require.NotNil(t, init)

	stored := f.stored(order.ID)
	assert.Equal(t, domain.OrderStatusFailed, stored.Status)
	assert.Equal(t, "Your card has insufficient funds.", stored.FailureReason)
}

func TestInitiatePayment_TimeoutLeavesOrderPending(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCrypto, domain.OrderStatusPending, "")
	f.crypto.chargeErr = fmt.Errorf("%w: crypto circuit open", domain.ErrProviderTimeout)

	init, err := f.svc.InitiatePayment(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, init.Unknown)

	assert.Equal(t, domain.OrderStatusPending, f.stored(order.ID).Status)
	assert.Empty(t, f.repo.outbox)
}

func TestInitiatePayment_ImmediateSuccessWalksThroughProcessing(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindEWallet, domain.OrderStatusPending, "")
	f.wallet.chargeRes = &payment.Result{Status: domain.PaymentStatusCompleted, ProviderReference: "wp_1"}

	_, err := f.svc.InitiatePayment(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusPaid, f.stored(order.ID).Status)
	history, _ := f.repo.ListHistory(context.Background(), order.ID)
	require.Len(t, history, 2)
	assert.Equal(t, domain.OrderStatusProcessing, history[0].To)
	assert.Equal(t, domain.OrderStatusPaid, history[1].To)
}

func TestInitiatePayment_RequiresPendingOrder(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusPaid, "pi_1")

	_, err := f.svc.InitiatePayment(context.Background(), order)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, f.card.charges)
}

func TestReconcile_Mapping(t *testing.T) {
	tests := []struct {
		from   domain.OrderStatus
		status domain.PaymentStatus
		want   domain.OrderStatus
	}{
		{domain.OrderStatusPending, domain.PaymentStatusCompleted, domain.OrderStatusPaid},
		{domain.OrderStatusProcessing, domain.PaymentStatusPaid, domain.OrderStatusPaid},
		{domain.OrderStatusProcessing, domain.PaymentStatusFailed, domain.OrderStatusFailed},
		{domain.OrderStatusPending, domain.PaymentStatusDeclined, domain.OrderStatusFailed},
		{domain.OrderStatusPaid, domain.PaymentStatusRefunded, domain.OrderStatusRefunded},
		{domain.OrderStatusPending, domain.PaymentStatusPending, domain.OrderStatusPending},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s+%s", tt.from, tt.status), func(t *testing.T) {
			f := newOrderFixture(t)
			order := f.seedOrder(t, payment.KindCard, tt.from, "pi_1")

			got, _, err := f.svc.Reconcile(context.Background(), order, ReconcileInput{Status: tt.status, PaymentID: "pi_1", Source: SourceWebhook})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want, f.stored(order.ID).Status)
		})
	}
}

func TestReconcile_TwiceIsNoop(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusProcessing, "pi_1")
	in := ReconcileInput{Status: domain.PaymentStatusCompleted, PaymentID: "pi_1", Source: SourceWebhook}

	_, applied, err := f.svc.Reconcile(context.Background(), order, in)
	require.NoError(t, err)
	assert.True(t, applied)

	again := f.stored(order.ID)
	_, applied, err = f.svc.Reconcile(context.Background(), again, in)
	require.NoError(t, err)
	assert.False(t, applied)

	history, _ := f.repo.ListHistory(context.Background(), order.ID)
	assert.Len(t, history, 1)
	assert.Len(t, f.repo.outbox, 1)
}

func TestReconcile_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from   domain.OrderStatus
		status domain.PaymentStatus
	}{
		{domain.OrderStatusPaid, domain.PaymentStatusProcessing},
		{domain.OrderStatusCancelled, domain.PaymentStatusCompleted},
		{domain.OrderStatusCancelled, domain.PaymentStatusProcessing},
		{domain.OrderStatusFailed, domain.PaymentStatusCompleted},
		{domain.OrderStatusRefunded, domain.PaymentStatusPaid},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s+%s", tt.from, tt.status), func(t *testing.T) {
			f := newOrderFixture(t)
			order := f.seedOrder(t, payment.KindCard, tt.from, "pi_1")

			_, _, err := f.svc.Reconcile(context.Background(), order, ReconcileInput{Status: tt.status, PaymentID: "pi_1"})
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			assert.Equal(t, tt.from, f.stored(order.ID).Status)
		})
	}
}

func TestReconcile_ConcurrentWriterWins(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusProcessing, "pi_1")
	raced := false
	f.repo.beforeApply = func(domain.StatusTransition) {
		if !raced {
			raced = true
			f.repo.forceStatus(order.ID, domain.OrderStatusPaid)
		}
	}

	got, applied, err := f.svc.Reconcile(context.Background(), order, ReconcileInput{Status: domain.PaymentStatusCompleted, PaymentID: "pi_1"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
}

func TestCheckStatus(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusProcessing, "pi_1")

	f.card.statusErr = fmt.Errorf("%w: card: upstream status 503", domain.ErrProviderTimeout)
	got, err := f.svc.CheckStatus(context.Background(), order)
	assert.ErrorIs(t, err, domain.ErrProviderTimeout)
	assert.Equal(t, domain.OrderStatusProcessing, got.Status)

	f.card.statusErr = nil
	f.card.statusRes = &payment.Result{Status: domain.PaymentStatusCompleted, ProviderReference: "pi_1"}
	got, err = f.svc.CheckStatus(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)

	verified, _, err := f.svc.Verify(context.Background(), buyer, order.ID)
	require.NoError(t, err)
	assert.True(t, verified)
	assert.Equal(t, 2, f.card.statusCalls, "a paid order is verified without polling")
}

func TestCheckStatus_IgnoresLaggingProvider(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusPaid, "pi_1")
	f.card.statusRes = &payment.Result{Status: domain.PaymentStatusProcessing}

	got, err := f.svc.CheckStatus(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)
}

func TestCancel(t *testing.T) {
	f := newOrderFixture(t)
	pending := f.seedOrder(t, payment.KindCard, domain.OrderStatusPending, "")
	processing := f.seedOrder(t, payment.KindCard, domain.OrderStatusProcessing, "pi_2")

	got, err := f.svc.Cancel(context.Background(), buyer, pending.ID, SourceAPI)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)

	_, err = f.svc.Cancel(context.Background(), buyer, pending.ID, SourceAPI)
	assert.NoError(t, err, "cancelling twice is a no-op")

	_, err = f.svc.Cancel(context.Background(), buyer, processing.ID, SourceAPI)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.Cancel(context.Background(), buyer, uuid.New(), SourceAPI)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderAccess_OtherCustomerSeesNotFound(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusPending, "")
	mallory := domain.UserIdentity("u-2")

	_, err := f.svc.Cancel(context.Background(), mallory, order.ID, SourceAPI)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.OrderStatusPending, f.stored(order.ID).Status)

	_, _, err = f.svc.Get(context.Background(), mallory, order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = f.svc.Verify(context.Background(), domain.SessionIdentity("u-1"), order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.card.statusCalls)

	_, _, err = f.svc.Get(context.Background(), domain.Identity{}, order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, _, err := f.svc.Get(context.Background(), buyer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
}

func TestSweepStaleOrders(t *testing.T) {
	f := newOrderFixture(t)
	unpaid := f.seedOrder(t, payment.KindCard, domain.OrderStatusPending, "")
	settled := f.seedOrder(t, payment.KindCrypto, domain.OrderStatusProcessing, "ch_1")
	unreachable := f.seedOrder(t, payment.KindEWallet, domain.OrderStatusPending, "")

	f.card.statusRes = &payment.Result{Status: domain.PaymentStatusPending}
	f.crypto.statusRes = &payment.Result{Status: domain.PaymentStatusCompleted, ProviderReference: "ch_1"}
	f.wallet.statusErr = fmt.Errorf("%w: ewallet circuit open", domain.ErrProviderTimeout)

	res, err := f.svc.SweepStaleOrders(context.Background(), 15*time.Minute, 24*time.Hour, 50)
	require.NoError(t, err)

	assert.Equal(t, StaleSweepResult{Checked: 3, Changed: 1, Cancelled: 1, Failed: 1}, res)
	assert.Equal(t, domain.OrderStatusCancelled, f.stored(unpaid.ID).Status)
	assert.Equal(t, domain.OrderStatusPaid, f.stored(settled.ID).Status)
	assert.Equal(t, domain.OrderStatusPending, f.stored(unreachable.ID).Status, "unknown outcome never cancels")
}

func TestFindForNotification(t *testing.T) {
	f := newOrderFixture(t)
	order := f.seedOrder(t, payment.KindCard, domain.OrderStatusProcessing, "pi_7")
	ctx := context.Background()

	got, err := f.svc.FindForNotification(ctx, "card", "pi_7", "")
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	got, err = f.svc.FindForNotification(ctx, "card", "pi_unknown", order.ID.String())
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	got, err = f.svc.FindForNotification(ctx, "card", "", order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = f.svc.FindForNotification(ctx, "card", "", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
