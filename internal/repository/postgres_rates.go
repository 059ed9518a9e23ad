package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

func (r *PostgresRepository) ListRates(ctx context.Context) ([]domain.ExchangeRate, error) {
	return r.queryRates(ctx,
		`SELECT from_currency, to_currency, rate, enabled, source, updated_at
		 FROM exchange_rates ORDER BY from_currency, to_currency, source`)
}

func (r *PostgresRepository) ListEnabledRates(ctx context.Context, source domain.RateSource) ([]domain.ExchangeRate, error) {
	return r.queryRates(ctx,
		`SELECT from_currency, to_currency, rate, enabled, source, updated_at
		 FROM exchange_rates WHERE enabled AND source = $1`, source)
}

func (r *PostgresRepository) queryRates(ctx context.Context, query string, args ...any) ([]domain.ExchangeRate, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query exchange rates: %w", err)
	}
	defer rows.Close()

	var rates []domain.ExchangeRate
	for rows.Next() {
		var rate domain.ExchangeRate
		if err := rows.Scan(&rate.FromCurrency, &rate.ToCurrency, &rate.Rate, &rate.Enabled, &rate.Source, &rate.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange rate: %w", err)
		}
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return rates, nil
}

// UpsertManualRate writes an operator rate and its audit row atomically.
func (r *PostgresRepository) UpsertManualRate(ctx context.Context, rate domain.ExchangeRate, actor string) error {
	from, to := domain.NormalizeCurrency(rate.FromCurrency), domain.NormalizeCurrency(rate.ToCurrency)
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var oldRate sql.NullFloat64
		var oldEnabled sql.NullBool
		err := tx.QueryRowContext(ctx,
			`SELECT rate, enabled FROM exchange_rates
			 WHERE from_currency = $1 AND to_currency = $2 AND source = 'manual'
			 FOR UPDATE`, from, to).Scan(&oldRate, &oldEnabled)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read previous rate: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exchange_rates (from_currency, to_currency, source, rate, enabled, updated_at)
			 VALUES ($1, $2, 'manual', $3, $4, NOW())
			 ON CONFLICT (from_currency, to_currency, source)
			 DO UPDATE SET rate = EXCLUDED.rate, enabled = EXCLUDED.enabled, updated_at = NOW()`,
			from, to, rate.Rate, rate.Enabled); err != nil {
			return fmt.Errorf("upsert manual rate: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exchange_rate_audit (from_currency, to_currency, old_rate, new_rate, old_enabled, new_enabled, changed_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			from, to, oldRate, rate.Rate, oldEnabled, rate.Enabled, actor); err != nil {
			return fmt.Errorf("insert rate audit: %w", err)
		}
		return nil
	})
}

// SaveAutoRates upserts fetched rates and stamps settings.last_update in one transaction.
func (r *PostgresRepository) SaveAutoRates(ctx context.Context, rates []domain.ExchangeRate, at time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO exchange_rates (from_currency, to_currency, source, rate, enabled, updated_at)
			 VALUES ($1, $2, 'auto', $3, TRUE, $4)
			 ON CONFLICT (from_currency, to_currency, source)
			 DO UPDATE SET rate = EXCLUDED.rate, updated_at = EXCLUDED.updated_at`)
		if err != nil {
			return fmt.Errorf("prepare auto rate upsert: %w", err)
		}
		defer stmt.Close()

		for _, rate := range rates {
			if _, err := stmt.ExecContext(ctx, rate.FromCurrency, rate.ToCurrency, rate.Rate, at); err != nil {
				return fmt.Errorf("upsert auto rate %s/%s: %w", rate.FromCurrency, rate.ToCurrency, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE currency_settings SET last_update = $1, updated_at = NOW() WHERE id = 1`, at); err != nil {
			return fmt.Errorf("stamp last update: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) EnsureSettings(ctx context.Context, defaults domain.CurrencySettings) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO currency_settings (id, base_currency, auto_update, update_interval_hours)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		domain.NormalizeCurrency(defaults.BaseCurrency), defaults.AutoUpdate, defaults.UpdateIntervalHours)
	if err != nil {
		return fmt.Errorf("seed currency settings: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetSettings(ctx context.Context) (domain.CurrencySettings, error) {
	var s domain.CurrencySettings
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT base_currency, auto_update, update_interval_hours, last_update
		 FROM currency_settings WHERE id = 1`).
		Scan(&s.BaseCurrency, &s.AutoUpdate, &s.UpdateIntervalHours, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("currency settings %w", domain.ErrNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("query currency settings: %w", err)
	}
	if last.Valid {
		t := last.Time
		s.LastUpdate = &t
	}
	return s, nil
}

func (r *PostgresRepository) UpdateSettings(ctx context.Context, s domain.CurrencySettings) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE currency_settings
		 SET base_currency = $1, auto_update = $2, update_interval_hours = $3, updated_at = NOW()
		 WHERE id = 1`,
		domain.NormalizeCurrency(s.BaseCurrency), s.AutoUpdate, s.UpdateIntervalHours)
	if err != nil {
		return fmt.Errorf("update currency settings: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListAudit(ctx context.Context, limit int) ([]domain.RateAudit, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT from_currency, to_currency, old_rate, new_rate, old_enabled, new_enabled, changed_by, changed_at
		 FROM exchange_rate_audit ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rate audit: %w", err)
	}
	defer rows.Close()

	var out []domain.RateAudit
	for rows.Next() {
		var a domain.RateAudit
		var oldRate sql.NullFloat64
		var oldEnabled sql.NullBool
		if err := rows.Scan(&a.FromCurrency, &a.ToCurrency, &oldRate, &a.NewRate, &oldEnabled, &a.NewEnabled, &a.ChangedBy, &a.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan rate audit: %w", err)
		}
		if oldRate.Valid {
			v := oldRate.Float64
			a.OldRate = &v
		}
		if oldEnabled.Valid {
			v := oldEnabled.Bool
			a.OldEnabled = &v
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}
