package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/currency"
	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

type RateService interface {
	Convert(ctx context.Context, amount int64, from, to string) (int64, error)
	ListRates(ctx context.Context) ([]domain.ExchangeRate, error)
	Settings(ctx context.Context) (domain.CurrencySettings, error)
	SetManualRate(ctx context.Context, rate domain.ExchangeRate, actor string) error
	UpdateSettings(ctx context.Context, upd currency.SettingsUpdate) (domain.CurrencySettings, error)
	Audit(ctx context.Context, limit int) ([]domain.RateAudit, error)
}

type RatesHandler struct {
	rates   RateService
	log     *slog.Logger
	timeout time.Duration
}

func NewRatesHandler(rates RateService, log *slog.Logger, timeout time.Duration) *RatesHandler {
	return &RatesHandler{rates: rates, log: log, timeout: timeout}
}

type RatesResponseDTO struct {
	Settings domain.CurrencySettings `json:"settings"`
	Rates    []domain.ExchangeRate   `json:"rates"`
}

type ConvertResponseDTO struct {
	Amount    int64  `json:"amount"`
	From      string `json:"from"`
	To        string `json:"to"`
	Converted int64  `json:"converted"`
}

type SetRateRequestDTO struct {
	FromCurrency string  `json:"fromCurrency"`
	ToCurrency   string  `json:"toCurrency"`
	Rate         float64 `json:"rate"`
	Enabled      *bool   `json:"enabled"`
}

type SettingsRequestDTO struct {
	AutoUpdate          *bool   `json:"autoUpdate"`
	UpdateIntervalHours *int    `json:"updateIntervalHours"`
	BaseCurrency        *string `json:"baseCurrency"`
}

type RateAuditDTO struct {
	FromCurrency string    `json:"fromCurrency"`
	ToCurrency   string    `json:"toCurrency"`
	OldRate      *float64  `json:"oldRate,omitempty"`
	NewRate      float64   `json:"newRate"`
	OldEnabled   *bool     `json:"oldEnabled,omitempty"`
	NewEnabled   bool      `json:"newEnabled"`
	ChangedBy    string    `json:"changedBy"`
	ChangedAt    time.Time `json:"changedAt"`
}

// GET /exchange-rates
func (h *RatesHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	settings, err := h.rates.Settings(ctx)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	rates, err := h.rates.ListRates(ctx)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	if rates == nil {
		rates = []domain.ExchangeRate{}
	}
	respondJSON(w, http.StatusOK, RatesResponseDTO{Settings: settings, Rates: rates})
}

// GET /exchange-rates/convert?amount=&from=&to=
func (h *RatesHandler) Convert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	q := r.URL.Query()
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_amount", "amount must be an integer in minor units")
		return
	}
	from, to := domain.NormalizeCurrency(q.Get("from")), domain.NormalizeCurrency(q.Get("to"))

	converted, err := h.rates.Convert(ctx, amount, from, to)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, ConvertResponseDTO{Amount: amount, From: from, To: to, Converted: converted})
}

// PUT /exchange-rates
func (h *RatesHandler) SetRate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SetRateRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rate := domain.ExchangeRate{
		FromCurrency: req.FromCurrency,
		ToCurrency:   req.ToCurrency,
		Rate:         req.Rate,
		Enabled:      enabled,
	}
	if err := h.rates.SetManualRate(ctx, rate, r.Header.Get(headerUserID)); err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}

	rate.FromCurrency = domain.NormalizeCurrency(rate.FromCurrency)
	rate.ToCurrency = domain.NormalizeCurrency(rate.ToCurrency)
	rate.Source = domain.RateSourceManual
	respondJSON(w, http.StatusOK, rate)
}

// PUT /exchange-rates/settings
func (h *RatesHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req SettingsRequestDTO
	if !decodeJSON(w, r, &req) {
		return
	}
	settings, err := h.rates.UpdateSettings(ctx, currency.SettingsUpdate{
		AutoUpdate:          req.AutoUpdate,
		UpdateIntervalHours: req.UpdateIntervalHours,
		BaseCurrency:        req.BaseCurrency,
	})
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// GET /exchange-rates/audit?limit=
func (h *RatesHandler) Audit(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.rates.Audit(ctx, limit)
	if err != nil {
		handleServiceError(w, r, h.log, err)
		return
	}
	out := make([]RateAuditDTO, len(entries))
	for i, e := range entries {
		out[i] = RateAuditDTO(e)
	}
	respondJSON(w, http.StatusOK, out)
}
