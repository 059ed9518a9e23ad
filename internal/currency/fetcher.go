package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

// HTTPFetcher reads "latest rates" documents shaped like open.er-api.com:
// {"result":"success","base_code":"USD","rates":{"EUR":0.92,...}}.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[map[string]float64]
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[map[string]float64](gobreaker.Settings{
			Name:    "rate-source",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

type latestRates struct {
	Result    string             `json:"result"`
	BaseCode  string             `json:"base_code"`
	Rates     map[string]float64 `json:"rates"`
	ErrorType string             `json:"error-type"`
}

func (f *HTTPFetcher) FetchRates(ctx context.Context, base string) (map[string]float64, error) {
	rates, err := f.breaker.Execute(func() (map[string]float64, error) {
		return f.fetch(ctx, base)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("rate source unavailable: %w", err)
	}
	return rates, err
}

func (f *HTTPFetcher) fetch(ctx context.Context, base string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/"+base, nil)
	if err != nil {
		return nil, fmt.Errorf("build rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate source responded %d", resp.StatusCode)
	}

	var body latestRates
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	if body.Result != "" && body.Result != "success" {
		return nil, fmt.Errorf("rate source error: %s", body.ErrorType)
	}
	if len(body.Rates) == 0 {
		return nil, errors.New("rate source returned no rates")
	}
	return body.Rates, nil
}
