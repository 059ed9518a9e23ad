package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/sony/gobreaker/v2"
)

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Secret  string
	Timeout time.Duration
	// Tolerance bounds webhook clock skew.
	Tolerance time.Duration
}

type apiResponse struct {
	status int
	body   []byte
}

// apiClient is the HTTP transport shared by providers. Transport errors, 5xx and an open breaker all
// surface as domain.ErrProviderTimeout so callers never mistake them for a decline.
type apiClient struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*apiResponse]
}

func newAPIClient(name string, cfg ClientConfig) *apiClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &apiClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, headers map[string]string, payload any) (*apiResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.breaker.Execute(func() (*apiResponse, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if httpResp.StatusCode >= 500 {
			return nil, fmt.Errorf("upstream status %d", httpResp.StatusCode)
		}
		return &apiResponse{status: httpResp.StatusCode, body: raw}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s circuit open", domain.ErrProviderTimeout, c.name)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrProviderTimeout, c.name, err)
	}
	return resp, nil
}

func (r *apiResponse) decode(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func (r *apiResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

// isDeclineStatus reports whether a 4xx means the provider looked at the payment and refused it.
func isDeclineStatus(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusPaymentRequired || status == http.StatusUnprocessableEntity
}

func unexpectedStatus(kind Kind, r *apiResponse) error {
	if r.status == http.StatusTooManyRequests || r.status == http.StatusRequestTimeout {
		return fmt.Errorf("%w: %s responded %d", domain.ErrProviderTimeout, kind, r.status)
	}
	return fmt.Errorf("%s: unexpected status %d", kind, r.status)
}
