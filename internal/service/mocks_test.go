package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/cache"
	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/payment"
	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/google/uuid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clone round-trips through JSON so callers never share slices with the store.
func clone[T any](v *T) *T {
	data, _ := json.Marshal(v)
	var out T
	_ = json.Unmarshal(data, &out)
	return &out
}

type mockCartRepo struct {
	mu    sync.Mutex
	carts map[string]*domain.CartSession

	// failReplaceOnce makes the next Replace report a version conflict.
	failReplaceOnce bool
	replaceErr      error
	// afterFind runs once FindActive has read the cart, outside the lock.
	afterFind func()
}

func newMockCartRepo() *mockCartRepo {
	return &mockCartRepo{carts: make(map[string]*domain.CartSession)}
}

func (m *mockCartRepo) put(c *domain.CartSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[c.ID] = clone(c)
}

func (m *mockCartRepo) get(id string) *domain.CartSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[id]
	if !ok {
		return nil
	}
	return clone(c)
}

func (m *mockCartRepo) activeLocked(id domain.Identity) *domain.CartSession {
	for _, c := range m.carts {
		if c.ConvertedToOrder {
			continue
		}
		if id.UserID != "" && c.UserID == id.UserID {
			return c
		}
		if id.SessionID != "" && c.SessionID == id.SessionID {
			return c
		}
	}
	return nil
}

func (m *mockCartRepo) FindActive(_ context.Context, id domain.Identity) (*domain.CartSession, error) {
	m.mu.Lock()
	c := m.activeLocked(id)
	if c != nil {
		c = clone(c)
	}
	hook := m.afterFind
	m.mu.Unlock()
	if c == nil {
		return nil, repository.ErrCartNotFound
	}
	if hook != nil {
		hook()
	}
	return c, nil
}

func (m *mockCartRepo) FindByID(_ context.Context, cartID string) (*domain.CartSession, error) {
	if c := m.get(cartID); c != nil {
		return c, nil
	}
	return nil, repository.ErrCartNotFound
}

func (m *mockCartRepo) Insert(_ context.Context, cart *domain.CartSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeLocked(cart.Identity()) != nil {
		return repository.ErrDuplicateCart
	}
	m.carts[cart.ID] = clone(cart)
	return nil
}

func (m *mockCartRepo) Replace(_ context.Context, cart *domain.CartSession, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceErr != nil {
		return m.replaceErr
	}
	if m.failReplaceOnce {
		m.failReplaceOnce = false
		return repository.ErrVersionConflict
	}
	cur, ok := m.carts[cart.ID]
	if !ok || cur.Version != expectedVersion || cur.ConvertedToOrder {
		return repository.ErrVersionConflict
	}
	if other := m.activeLocked(cart.Identity()); other != nil && other.ID != cart.ID {
		return repository.ErrDuplicateCart
	}
	cart.Version = expectedVersion + 1
	m.carts[cart.ID] = clone(cart)
	return nil
}

func (m *mockCartRepo) Delete(_ context.Context, cartID string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.carts[cartID]
	if !ok || cur.Version != expectedVersion || cur.ConvertedToOrder {
		return repository.ErrVersionConflict
	}
	delete(m.carts, cartID)
	return nil
}

func (m *mockCartRepo) MarkConverted(_ context.Context, cartID, orderID string) (*domain.CartSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.carts[cartID]
	if !ok {
		return nil, repository.ErrCartNotFound
	}
	if cur.ConvertedToOrder {
		return nil, domain.ErrCartConverted
	}
	cur.ConvertedToOrder = true
	cur.OrderID = orderID
	cur.Version++
	return clone(cur), nil
}

func (m *mockCartRepo) ReleaseConversion(_ context.Context, cartID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.carts[cartID]; ok && cur.OrderID == orderID {
		cur.ConvertedToOrder = false
		cur.OrderID = ""
		cur.Version++
	}
	return nil
}

func (m *mockCartRepo) FindAbandoned(_ context.Context, idleBefore time.Time, limit int) ([]*domain.CartSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.CartSession
	for _, c := range m.carts {
		if !c.ConvertedToOrder && !c.ReminderSent && len(c.Items) > 0 && c.UpdatedAt.Before(idleBefore) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockCartRepo) MarkReminderSent(_ context.Context, cartID string, version int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.carts[cartID]
	if !ok || cur.Version != version || cur.ReminderSent || cur.ConvertedToOrder {
		return false, nil
	}
	cur.ReminderSent = true
	cur.ReminderSentAt = &at
	cur.Version++
	return true, nil
}

func (m *mockCartRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.carts {
		if !c.ConvertedToOrder && !now.Before(c.ExpiresAt) {
			delete(m.carts, id)
			n++
		}
	}
	return n, nil
}

type mockCache struct {
	mu          sync.Mutex
	entries     map[string]*domain.CartSession
	generations map[string]int64
	deletes     int
	superseded  int
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]*domain.CartSession), generations: make(map[string]int64)}
}

func (m *mockCache) Get(_ context.Context, id domain.Identity) (*domain.CartSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.entries[id.String()]; ok {
		return clone(c), nil
	}
	return nil, cache.ErrCacheMiss
}

func (m *mockCache) Generation(_ context.Context, id domain.Identity) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generations[id.String()], nil
}

func (m *mockCache) Set(_ context.Context, cart *domain.CartSession, generation int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cart.Identity().String()
	if m.generations[key] != generation {
		m.superseded++
		return cache.ErrSuperseded
	}
	m.entries[key] = clone(cart)
	return nil
}

func (m *mockCache) supersededFills() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.superseded
}

func (m *mockCache) Delete(_ context.Context, id domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id.String())
	m.generations[id.String()]++
	m.deletes++
	return nil
}

type mockCatalog struct {
	items map[string]*domain.CatalogItem
}

func newMockCatalog(items ...*domain.CatalogItem) *mockCatalog {
	m := &mockCatalog{items: make(map[string]*domain.CatalogItem)}
	for _, it := range items {
		m.items[it.Ref] = it
	}
	return m
}

func (m *mockCatalog) GetItem(_ context.Context, ref string) (*domain.CatalogItem, error) {
	it, ok := m.items[ref]
	if !ok {
		return nil, repository.ErrCatalogItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *mockCatalog) ListItems(context.Context) ([]*domain.CatalogItem, error) {
	var out []*domain.CatalogItem
	for _, it := range m.items {
		if it.Active {
			out = append(out, it)
		}
	}
	return out, nil
}

// fixedConverter multiplies by a per-pair factor and counts calls.
type fixedConverter struct {
	mu    sync.Mutex
	rates map[string]float64
	calls int
}

func (f *fixedConverter) Convert(_ context.Context, amount int64, from, to string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if from == to {
		return amount, nil
	}
	r, ok := f.rates[from+">"+to]
	if !ok {
		return 0, fmt.Errorf("%s->%s: %w", from, to, domain.ErrRateUnavailable)
	}
	return int64(float64(amount)*r + 0.5), nil
}

type mockNotifier struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]bool
}

func (m *mockNotifier) NotifyAbandoned(_ context.Context, cart *domain.CartSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[cart.ID] {
		return fmt.Errorf("broker unavailable")
	}
	m.sent = append(m.sent, cart.ID)
	return nil
}

type mockOrderRepo struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]*domain.Order
	keys    map[string]bool
	history map[uuid.UUID][]*repository.StatusHistoryEntry
	outbox  []*repository.OutboxEvent

	createErr error
	// beforeApply runs before each transition; tests use it to simulate a concurrent writer.
	beforeApply func(t domain.StatusTransition)
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{
		orders:  make(map[uuid.UUID]*domain.Order),
		keys:    make(map[string]bool),
		history: make(map[uuid.UUID][]*repository.StatusHistoryEntry),
	}
}

func (m *mockOrderRepo) CreateOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.orders[o.ID]; ok {
		return repository.ErrDuplicateOrder
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *mockOrderRepo) GetOrderByID(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return clone(o), nil
}

func (m *mockOrderRepo) GetOrderByNumber(_ context.Context, number string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderNumber == number {
			return clone(o), nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (m *mockOrderRepo) GetOrderByPaymentID(_ context.Context, provider, paymentID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PaymentProvider == provider && o.PaymentID == paymentID {
			return clone(o), nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (m *mockOrderRepo) ApplyTransition(_ context.Context, t domain.StatusTransition, event *repository.OutboxEvent) error {
	if m.beforeApply != nil {
		m.beforeApply(t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := t.OrderID.String() + "|" + t.IdempotencyKey
	if m.keys[k] {
		return repository.ErrDuplicateTransition
	}
	o, ok := m.orders[t.OrderID]
	if !ok || o.Status != t.From {
		return repository.ErrStatusConflict
	}
	m.keys[k] = true
	o.Status = t.To
	if t.PaymentID != "" {
		o.PaymentID = t.PaymentID
	}
	if t.FailureReason != "" {
		o.FailureReason = t.FailureReason
	}
	o.StatusChangedAt = time.Now()
	m.history[t.OrderID] = append(m.history[t.OrderID], &repository.StatusHistoryEntry{From: t.From, To: t.To, Source: t.Source})
	if event != nil {
		m.outbox = append(m.outbox, event)
	}
	return nil
}

// forceStatus changes an order behind the service's back.
func (m *mockOrderRepo) forceStatus(id uuid.UUID, s domain.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].Status = s
}

func (m *mockOrderRepo) ListStaleOrders(_ context.Context, statuses []domain.OrderStatus, idleBefore time.Time, limit int) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		for _, s := range statuses {
			if o.Status == s && o.StatusChangedAt.Before(idleBefore) {
				out = append(out, clone(o))
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockOrderRepo) ListHistory(_ context.Context, id uuid.UUID) ([]*repository.StatusHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*repository.StatusHistoryEntry(nil), m.history[id]...), nil
}

type mockProvider struct {
	kind payment.Kind

	mu          sync.Mutex
	chargeRes   *payment.Result
	chargeErr   error
	statusRes   *payment.Result
	statusErr   error
	charges     []payment.ChargeRequest
	statusCalls int
}

func (m *mockProvider) Kind() payment.Kind { return m.kind }

func (m *mockProvider) Charge(_ context.Context, req payment.ChargeRequest) (*payment.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges = append(m.charges, req)
	return m.chargeRes, m.chargeErr
}

func (m *mockProvider) CheckStatus(context.Context, payment.StatusQuery) (*payment.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	return m.statusRes, m.statusErr
}

func (m *mockProvider) VerifyWebhookSignature(http.Header, []byte, time.Time) (string, time.Time, error) {
	return "", time.Time{}, nil
}

func (m *mockProvider) ParseWebhook([]byte) (*payment.Notification, error) {
	return nil, nil
}
