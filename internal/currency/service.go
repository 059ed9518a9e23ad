package currency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// RateStore is the persistence the service needs from the exchange rate tables.
type RateStore interface {
	ListRates(ctx context.Context) ([]domain.ExchangeRate, error)
	ListEnabledRates(ctx context.Context, source domain.RateSource) ([]domain.ExchangeRate, error)
	UpsertManualRate(ctx context.Context, rate domain.ExchangeRate, actor string) error
	SaveAutoRates(ctx context.Context, rates []domain.ExchangeRate, at time.Time) error
	GetSettings(ctx context.Context) (domain.CurrencySettings, error)
	UpdateSettings(ctx context.Context, s domain.CurrencySettings) error
	ListAudit(ctx context.Context, limit int) ([]domain.RateAudit, error)
}

// RateFetcher returns base->currency rates from an external source.
type RateFetcher interface {
	FetchRates(ctx context.Context, base string) (map[string]float64, error)
}

type Options struct {
	Defaults       domain.CurrencySettings
	FailureBackoff time.Duration
	RefreshTimeout time.Duration
	Now            func() time.Time
}

type pair struct{ from, to string }

type Service struct {
	store   RateStore
	fetcher RateFetcher
	log     *slog.Logger
	opts    Options
	sf      singleflight.Group

	mu          sync.RWMutex
	table       map[pair]decimal.Decimal
	auto        []domain.ExchangeRate
	settings    domain.CurrencySettings
	loadedAt    time.Time
	stale       bool
	lastFailure time.Time
}

func NewService(store RateStore, fetcher RateFetcher, log *slog.Logger, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	if opts.Defaults.BaseCurrency == "" {
		opts.Defaults.BaseCurrency = "USD"
	}
	return &Service{
		store:    store,
		fetcher:  fetcher,
		log:      log,
		opts:     opts,
		settings: opts.Defaults,
	}
}

// Convert converts a minor-unit amount, rounding half-to-even on the destination minor unit.
func (s *Service) Convert(ctx context.Context, amount int64, from, to string) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	from, to = domain.NormalizeCurrency(from), domain.NormalizeCurrency(to)
	if !domain.ValidCurrency(from) || !domain.ValidCurrency(to) {
		return 0, domain.Validationf("invalid currency pair %s/%s", from, to)
	}
	if from == to {
		return amount, nil
	}

	rate, err := s.Rate(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return applyRate(amount, rate, from, to), nil
}

func applyRate(amount int64, rate decimal.Decimal, from, to string) int64 {
	major := decimal.New(amount, -domain.MinorExponent(from))
	return major.Mul(rate).Shift(domain.MinorExponent(to)).RoundBank(0).IntPart()
}

// Rate returns the effective from->to rate, refreshing the table when it is due.
func (s *Service) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = domain.NormalizeCurrency(from), domain.NormalizeCurrency(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	refreshed := false
	if s.refreshDue() {
		if err := s.Refresh(ctx); err != nil && s.empty() {
			if errors.Is(err, domain.ErrRateUnavailable) {
				return decimal.Zero, err
			}
			return decimal.Zero, fmt.Errorf("%w: %v", domain.ErrRateUnavailable, err)
		}
		refreshed = true
	}

	if rate, ok := s.lookup(from, to); ok {
		return rate, nil
	}
	if !refreshed && s.missingPairRetryAllowed() {
		if err := s.Refresh(ctx); err != nil {
			s.log.WarnContext(ctx, "rate refresh for missing pair failed", "from", from, "to", to, "error", err)
		}
		if rate, ok := s.lookup(from, to); ok {
			return rate, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s/%s", domain.ErrRateUnavailable, from, to)
}

// Invalidate marks the cache stale so the next read reloads it.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.stale = true
	s.lastFailure = time.Time{}
	s.mu.Unlock()
}

// Refresh reloads the table. Concurrent callers share one reload, which outlives a cancelled caller.
func (s *Service) Refresh(ctx context.Context) error {
	ch := s.sf.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RefreshTimeout)
		defer cancel()
		return nil, s.refresh(rctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) refresh(ctx context.Context) error {
	now := s.opts.Now()

	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "currency settings unavailable, using defaults", "error", err)
		settings = s.opts.Defaults
	}
	base := domain.NormalizeCurrency(settings.BaseCurrency)

	manual, err := s.store.ListEnabledRates(ctx, domain.RateSourceManual)
	if err != nil {
		s.markFailure(now)
		return fmt.Errorf("load manual rates: %w", err)
	}

	var auto []domain.ExchangeRate
	fetchFailed := false
	if settings.AutoUpdate {
		auto, err = s.fetchAuto(ctx, base, now)
		if err != nil {
			s.markFailure(now)
			fetchFailed = true
			if cached := s.cachedAuto(); len(cached) > 0 {
				s.log.WarnContext(ctx, "rate fetch failed, keeping cached auto rates", "error", err)
				auto = cached
			} else {
				s.log.WarnContext(ctx, "rate fetch failed with empty cache, falling back to stored rates", "error", err)
				auto, err = s.store.ListEnabledRates(ctx, domain.RateSourceAuto)
				if err != nil {
					return fmt.Errorf("load stored auto rates: %w", err)
				}
			}
		}
	}

	table := buildTable(auto, manual)
	if len(table) == 0 && settings.AutoUpdate {
		return fmt.Errorf("%w: no rates loaded", domain.ErrRateUnavailable)
	}

	s.mu.Lock()
	s.table = table
	s.auto = auto
	s.settings = settings
	s.stale = false
	if fetchFailed {
		// loadedAt keeps the age of the auto rates; the next fetch waits for the backoff.
		s.lastFailure = now
	} else {
		s.loadedAt = now
		s.lastFailure = time.Time{}
	}
	s.mu.Unlock()

	s.log.InfoContext(ctx, "exchange rates refreshed", "pairs", len(table), "auto", len(auto), "manual", len(manual))
	return nil
}

func (s *Service) fetchAuto(ctx context.Context, base string, now time.Time) ([]domain.ExchangeRate, error) {
	fetched, err := s.fetcher.FetchRates(ctx, base)
	if err != nil {
		return nil, err
	}

	rates := make([]domain.ExchangeRate, 0, len(fetched))
	for code, value := range fetched {
		code = domain.NormalizeCurrency(code)
		if value <= 0 || code == base || !domain.ValidCurrency(code) {
			continue
		}
		rates = append(rates, domain.ExchangeRate{
			FromCurrency: base,
			ToCurrency:   code,
			Rate:         value,
			Enabled:      true,
			Source:       domain.RateSourceAuto,
			UpdatedAt:    now,
		})
	}
	if len(rates) == 0 {
		return nil, errors.New("rate source returned no usable rates")
	}

	if err := s.store.SaveAutoRates(ctx, rates, now); err != nil {
		s.log.WarnContext(ctx, "failed to persist fetched rates", "error", err)
	}
	return rates, nil
}

// buildTable merges auto and manual rates. Manual wins for the same pair.
func buildTable(auto, manual []domain.ExchangeRate) map[pair]decimal.Decimal {
	table := make(map[pair]decimal.Decimal, len(auto)+len(manual))
	for _, group := range [][]domain.ExchangeRate{auto, manual} {
		for _, r := range group {
			if !r.Enabled || r.Rate <= 0 {
				continue
			}
			key := pair{domain.NormalizeCurrency(r.FromCurrency), domain.NormalizeCurrency(r.ToCurrency)}
			table[key] = decimal.NewFromFloat(r.Rate)
		}
	}
	return table
}

// lookup tries the direct pair, then its inverse, then a cross rate through the base currency.
func (s *Service) lookup(from, to string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rate, ok := s.pairRate(from, to); ok {
		return rate, true
	}
	base := domain.NormalizeCurrency(s.settings.BaseCurrency)
	if from == base || to == base {
		return decimal.Zero, false
	}
	fromBase, ok1 := s.pairRate(from, base)
	baseTo, ok2 := s.pairRate(base, to)
	if ok1 && ok2 {
		return fromBase.Mul(baseTo), true
	}
	return decimal.Zero, false
}

func (s *Service) pairRate(from, to string) (decimal.Decimal, bool) {
	if rate, ok := s.table[pair{from, to}]; ok {
		return rate, true
	}
	if inv, ok := s.table[pair{to, from}]; ok && inv.IsPositive() {
		return decimal.NewFromInt(1).DivRound(inv, 16), true
	}
	return decimal.Zero, false
}

func (s *Service) refreshDue() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.table == nil || s.stale {
		return true
	}
	now := s.opts.Now()
	if now.Sub(s.loadedAt) < s.settings.Interval() {
		return false
	}
	return s.lastFailure.IsZero() || now.Sub(s.lastFailure) >= s.opts.FailureBackoff
}

// missingPairRetryAllowed rate-limits refreshes triggered by unknown pairs to one per backoff window.
func (s *Service) missingPairRetryAllowed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.opts.Now()
	if now.Sub(s.loadedAt) < s.opts.FailureBackoff {
		return false
	}
	return s.lastFailure.IsZero() || now.Sub(s.lastFailure) >= s.opts.FailureBackoff
}

func (s *Service) cachedAuto() []domain.ExchangeRate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auto
}

func (s *Service) empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table) == 0
}

func (s *Service) markFailure(at time.Time) {
	s.mu.Lock()
	s.lastFailure = at
	s.mu.Unlock()
}
