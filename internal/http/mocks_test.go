package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fjod/go_cart/commerce-service/internal/currency"
	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/logger"
	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/fjod/go_cart/commerce-service/internal/service"
)

type CartMock struct {
	cart     *domain.CartSession
	err      error
	identity domain.Identity
	ref      string
	quantity int
	sync     service.SyncRequest
	merged   [2]string
}

func (m *CartMock) result(id domain.Identity) (*domain.CartSession, error) {
	m.identity = id
	if m.err != nil {
		return nil, m.err
	}
	return m.cart, nil
}

func (m *CartMock) Get(_ context.Context, id domain.Identity) (*domain.CartSession, error) {
	return m.result(id)
}

func (m *CartMock) AddItem(_ context.Context, id domain.Identity, ref string, quantity int) (*domain.CartSession, error) {
	m.ref, m.quantity = ref, quantity
	return m.result(id)
}

func (m *CartMock) UpdateItem(_ context.Context, id domain.Identity, ref string, quantity int) (*domain.CartSession, error) {
	m.ref, m.quantity = ref, quantity
	return m.result(id)
}

func (m *CartMock) RemoveItem(_ context.Context, id domain.Identity, ref string) (*domain.CartSession, error) {
	m.ref = ref
	return m.result(id)
}

func (m *CartMock) Sync(_ context.Context, id domain.Identity, req service.SyncRequest) (*domain.CartSession, error) {
	m.sync = req
	return m.result(id)
}

func (m *CartMock) Merge(_ context.Context, sessionID, userID string) (*domain.CartSession, error) {
	m.merged = [2]string{sessionID, userID}
	return m.result(domain.UserIdentity(userID))
}

type CheckoutMock struct {
	res *service.CheckoutResult
	err error
	req service.CheckoutRequest
}

func (m *CheckoutMock) Checkout(_ context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error) {
	m.req = req
	return m.res, m.err
}

type OrdersMock struct {
	order    *domain.Order
	history  []*repository.StatusHistoryEntry
	verified bool
	err      error
	source   string
	caller   domain.Identity
	calls    int
}

func (m *OrdersMock) lookup(caller domain.Identity) error {
	m.caller = caller
	m.calls++
	if m.err != nil {
		return m.err
	}
	if m.order != nil && !m.order.OwnedBy(caller) {
		return domain.ErrNotFound
	}
	return nil
}

func (m *OrdersMock) Get(_ context.Context, caller domain.Identity, id uuid.UUID) (*domain.Order, []*repository.StatusHistoryEntry, error) {
	if err := m.lookup(caller); err != nil {
		return nil, nil, err
	}
	return m.order, m.history, nil
}

func (m *OrdersMock) Verify(_ context.Context, caller domain.Identity, id uuid.UUID) (bool, *domain.Order, error) {
	if err := m.lookup(caller); err != nil {
		return false, nil, err
	}
	return m.verified, m.order, nil
}

func (m *OrdersMock) Cancel(_ context.Context, caller domain.Identity, id uuid.UUID, source string) (*domain.Order, error) {
	m.source = source
	if err := m.lookup(caller); err != nil {
		return nil, err
	}
	return m.order, nil
}

type RatesMock struct {
	rates    map[string]float64
	saved    *domain.ExchangeRate
	actor    string
	settings domain.CurrencySettings
}

func (m *RatesMock) Convert(_ context.Context, amount int64, from, to string) (int64, error) {
	if from == to {
		return amount, nil
	}
	rate, ok := m.rates[from+">"+to]
	if !ok {
		return 0, fmt.Errorf("%s->%s: %w", from, to, domain.ErrRateUnavailable)
	}
	return int64(float64(amount) * rate), nil
}

func (m *RatesMock) ListRates(context.Context) ([]domain.ExchangeRate, error) {
	var out []domain.ExchangeRate
	for pair, rate := range m.rates {
		out = append(out, domain.ExchangeRate{FromCurrency: pair[:3], ToCurrency: pair[4:], Rate: rate, Enabled: true})
	}
	return out, nil
}

func (m *RatesMock) Settings(context.Context) (domain.CurrencySettings, error) {
	return m.settings, nil
}

func (m *RatesMock) SetManualRate(_ context.Context, rate domain.ExchangeRate, actor string) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	m.saved, m.actor = &rate, actor
	return nil
}

func (m *RatesMock) UpdateSettings(_ context.Context, upd currency.SettingsUpdate) (domain.CurrencySettings, error) {
	if upd.AutoUpdate != nil {
		m.settings.AutoUpdate = *upd.AutoUpdate
	}
	if upd.UpdateIntervalHours != nil {
		m.settings.UpdateIntervalHours = *upd.UpdateIntervalHours
	}
	return m.settings, nil
}

func (m *RatesMock) Audit(context.Context, int) ([]domain.RateAudit, error) {
	return []domain.RateAudit{{FromCurrency: "EUR", ToCurrency: "USD", NewRate: 1.1, NewEnabled: true, ChangedBy: "ops"}}, nil
}

type WebhooksMock struct {
	outcome  domain.WebhookOutcome
	err      error
	provider string
	body     []byte
	calls    int
}

func (m *WebhooksMock) HandlePayment(_ context.Context, providerID string, _ http.Header, body []byte) (domain.WebhookOutcome, error) {
	m.calls++
	m.provider, m.body = providerID, body
	return m.outcome, m.err
}

func (m *WebhooksMock) HandleScheduler(_ context.Context, _ http.Header, body []byte) (domain.WebhookOutcome, error) {
	m.calls++
	m.provider, m.body = "scheduler", body
	return m.outcome, m.err
}

type testServer struct {
	handler  http.Handler
	carts    *CartMock
	checkout *CheckoutMock
	orders   *OrdersMock
	rates    *RatesMock
	webhooks *WebhooksMock
}

func newTestServer() *testServer {
	ts := &testServer{
		carts:    &CartMock{cart: &domain.CartSession{ID: "cart-1", Currency: "USD"}},
		checkout: &CheckoutMock{},
		orders:   &OrdersMock{},
		rates:    &RatesMock{rates: map[string]float64{"EUR>USD": 1.1}},
		webhooks: &WebhooksMock{outcome: domain.WebhookApplied},
	}
	log := logger.Discard()
	ts.handler = NewRouter(Handlers{
		Cart:     NewCartHandler(ts.carts, log, 5*time.Second),
		Checkout: NewCheckoutHandler(ts.checkout, log, 5*time.Second),
		Orders:   NewOrdersHandler(ts.orders, log, 5*time.Second),
		Rates:    NewRatesHandler(ts.rates, log, 5*time.Second),
		Webhooks: NewWebhookHandler(ts.webhooks, log),
	}, log, 5*time.Second)
	return ts
}
