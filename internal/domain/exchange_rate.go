package domain

import "time"

type RateSource string

const (
	RateSourceManual RateSource = "manual"
	RateSourceAuto   RateSource = "auto"
)

type ExchangeRate struct {
	FromCurrency string     `json:"fromCurrency"`
	ToCurrency   string     `json:"toCurrency"`
	Rate         float64    `json:"rate"`
	Enabled      bool       `json:"enabled"`
	Source       RateSource `json:"source"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (r ExchangeRate) Validate() error {
	if !ValidCurrency(r.FromCurrency) || !ValidCurrency(r.ToCurrency) {
		return Validationf("invalid currency pair %s/%s", r.FromCurrency, r.ToCurrency)
	}
	if NormalizeCurrency(r.FromCurrency) == NormalizeCurrency(r.ToCurrency) {
		return Validationf("currency pair must differ")
	}
	if r.Rate <= 0 {
		return Validationf("rate must be positive")
	}
	return nil
}

// CurrencySettings is the operator-configured refresh policy.
type CurrencySettings struct {
	BaseCurrency        string     `json:"baseCurrency"`
	AutoUpdate          bool       `json:"autoUpdate"`
	UpdateIntervalHours int        `json:"updateIntervalHours"`
	LastUpdate          *time.Time `json:"lastUpdate,omitempty"`
}

func (s CurrencySettings) Interval() time.Duration {
	if s.UpdateIntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.UpdateIntervalHours) * time.Hour
}

// RateAudit records one operator change to a manual rate.
type RateAudit struct {
	FromCurrency string
	ToCurrency   string
	OldRate      *float64
	NewRate      float64
	OldEnabled   *bool
	NewEnabled   bool
	ChangedBy    string
	ChangedAt    time.Time
}
