package currency

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

// SetManualRate stores an operator rate (audited by the store) and busts the cache.
func (s *Service) SetManualRate(ctx context.Context, rate domain.ExchangeRate, actor string) error {
	rate.FromCurrency = domain.NormalizeCurrency(rate.FromCurrency)
	rate.ToCurrency = domain.NormalizeCurrency(rate.ToCurrency)
	rate.Source = domain.RateSourceManual
	if err := rate.Validate(); err != nil {
		return err
	}
	if actor == "" {
		return domain.Validationf("actor is required")
	}

	if err := s.store.UpsertManualRate(ctx, rate, actor); err != nil {
		return fmt.Errorf("save manual rate: %w", err)
	}
	s.Invalidate()
	s.log.InfoContext(ctx, "manual exchange rate updated",
		"from", rate.FromCurrency, "to", rate.ToCurrency, "rate", rate.Rate, "enabled", rate.Enabled, "actor", actor)
	return nil
}

type SettingsUpdate struct {
	AutoUpdate          *bool
	UpdateIntervalHours *int
	BaseCurrency        *string
}

func (s *Service) UpdateSettings(ctx context.Context, upd SettingsUpdate) (domain.CurrencySettings, error) {
	current, err := s.store.GetSettings(ctx)
	if err != nil {
		return current, fmt.Errorf("load currency settings: %w", err)
	}

	if upd.AutoUpdate != nil {
		current.AutoUpdate = *upd.AutoUpdate
	}
	if upd.UpdateIntervalHours != nil {
		if *upd.UpdateIntervalHours <= 0 {
			return current, domain.Validationf("updateIntervalHours must be positive")
		}
		current.UpdateIntervalHours = *upd.UpdateIntervalHours
	}
	if upd.BaseCurrency != nil {
		if !domain.ValidCurrency(*upd.BaseCurrency) {
			return current, domain.Validationf("invalid base currency %q", *upd.BaseCurrency)
		}
		current.BaseCurrency = domain.NormalizeCurrency(*upd.BaseCurrency)
	}

	if err := s.store.UpdateSettings(ctx, current); err != nil {
		return current, fmt.Errorf("save currency settings: %w", err)
	}
	s.Invalidate()
	return current, nil
}

func (s *Service) Settings(ctx context.Context) (domain.CurrencySettings, error) {
	return s.store.GetSettings(ctx)
}

func (s *Service) ListRates(ctx context.Context) ([]domain.ExchangeRate, error) {
	return s.store.ListRates(ctx)
}

func (s *Service) Audit(ctx context.Context, limit int) ([]domain.RateAudit, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListAudit(ctx, limit)
}
