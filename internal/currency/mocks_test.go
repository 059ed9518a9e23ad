package currency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

type mockStore struct {
	mu          sync.Mutex
	manual      []domain.ExchangeRate
	auto        []domain.ExchangeRate
	settings    domain.CurrencySettings
	settingsErr error
	manualErr   error
	saved       [][]domain.ExchangeRate
	upserts     []domain.ExchangeRate
	audits      []string
}

func (m *mockStore) ListRates(context.Context) ([]domain.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(append([]domain.ExchangeRate{}, m.auto...), m.manual...), nil
}

func (m *mockStore) ListEnabledRates(_ context.Context, source domain.RateSource) ([]domain.ExchangeRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if source == domain.RateSourceManual {
		if m.manualErr != nil {
			return nil, m.manualErr
		}
		return append([]domain.ExchangeRate{}, m.manual...), nil
	}
	return append([]domain.ExchangeRate{}, m.auto...), nil
}

func (m *mockStore) UpsertManualRate(_ context.Context, rate domain.ExchangeRate, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate.Source = domain.RateSourceManual
	m.upserts = append(m.upserts, rate)
	m.audits = append(m.audits, actor)
	for i, r := range m.manual {
		if r.FromCurrency == rate.FromCurrency && r.ToCurrency == rate.ToCurrency {
			m.manual[i] = rate
			return nil
		}
	}
	m.manual = append(m.manual, rate)
	return nil
}

func (m *mockStore) SaveAutoRates(_ context.Context, rates []domain.ExchangeRate, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, rates)
	m.auto = rates
	m.settings.LastUpdate = &at
	return nil
}

func (m *mockStore) GetSettings(context.Context) (domain.CurrencySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, m.settingsErr
}

func (m *mockStore) UpdateSettings(_ context.Context, s domain.CurrencySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	return nil
}

func (m *mockStore) ListAudit(context.Context, int) ([]domain.RateAudit, error) {
	return nil, nil
}

type mockFetcher struct {
	rates map[string]float64
	err   error
	calls atomic.Int32
	delay time.Duration
}

func (f *mockFetcher) FetchRates(ctx context.Context, _ string) (map[string]float64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.rates, nil
}

var errSourceDown = errors.New("rate source down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
