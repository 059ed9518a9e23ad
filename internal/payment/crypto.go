package payment

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/webhooksig"
)

const (
	cryptoTimestampHeader = "X-Crypto-Timestamp"
	cryptoSignatureHeader = "X-Crypto-Signature"
)

// CryptoProvider issues hosted crypto checkout charges.
type CryptoProvider struct {
	api       *apiClient
	secret    string
	tolerance time.Duration
}

func NewCryptoProvider(cfg ClientConfig) *CryptoProvider {
	return &CryptoProvider{api: newAPIClient("crypto", cfg), secret: cfg.Secret, tolerance: cfg.Tolerance}
}

func (p *CryptoProvider) Kind() Kind { return KindCrypto }

type cryptoCharge struct {
	ChargeID  string `json:"charge_id"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	HostedURL string `json:"hosted_url"`
	Reason    string `json:"reason"`
}

func (p *CryptoProvider) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	payload := map[string]any{
		"order_id":       req.OrderID,
		"order_number":   req.OrderNumber,
		"price_amount":   domain.FormatMajor(req.Amount, req.Currency),
		"price_currency": req.Currency,
		"description":    req.Description,
		"success_url":    req.ReturnURL,
	}
	resp, err := p.api.do(ctx, http.MethodPost, "/v1/charges", nil, payload)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		if !isDeclineStatus(resp.status) {
			return nil, unexpectedStatus(KindCrypto, resp)
		}
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.body, &e)
		if e.Error == "" {
			e.Error = fmt.Sprintf("crypto gateway rejected the charge (%d)", resp.status)
		}
		return nil, &domain.DeclinedError{Provider: string(KindCrypto), Message: e.Error}
	}

	var c cryptoCharge
	if err := resp.decode(&c); err != nil {
		return nil, fmt.Errorf("%w: crypto: %v", domain.ErrProviderTimeout, err)
	}
	return cryptoResult(c, resp.body), nil
}

func (p *CryptoProvider) CheckStatus(ctx context.Context, q StatusQuery) (*Result, error) {
	path := "/v1/charges?order_id=" + url.QueryEscape(q.OrderID)
	if q.PaymentID != "" {
		path = "/v1/charges/" + url.PathEscape(q.PaymentID)
	}
	resp, err := p.api.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound {
		if q.PaymentID == "" {
			return &Result{Status: domain.PaymentStatusPending, RawPayload: resp.body}, nil
		}
		return nil, fmt.Errorf("crypto charge %s %w", q.PaymentID, domain.ErrNotFound)
	}
	if !resp.ok() {
		return nil, unexpectedStatus(KindCrypto, resp)
	}
	var c cryptoCharge
	if err := resp.decode(&c); err != nil {
		return nil, fmt.Errorf("%w: crypto: %v", domain.ErrProviderTimeout, err)
	}
	return cryptoResult(c, resp.body), nil
}

func cryptoResult(c cryptoCharge, raw []byte) *Result {
	return &Result{
		Status:            cryptoStatus(c.Status),
		ProviderReference: c.ChargeID,
		RedirectURL:       c.HostedURL,
		Message:           c.Reason,
		RawPayload:        raw,
	}
}

func cryptoStatus(s string) domain.PaymentStatus {
	switch strings.ToLower(s) {
	case "new", "pending", "confirming":
		return domain.PaymentStatusProcessing
	case "confirmed", "completed", "resolved":
		return domain.PaymentStatusCompleted
	case "expired", "failed", "canceled", "underpaid":
		return domain.PaymentStatusFailed
	case "refunded":
		return domain.PaymentStatusRefunded
	}
	return domain.PaymentStatusPending
}

// VerifyWebhookSignature checks hex hmac-sha512 over timestamp||body.
func (p *CryptoProvider) VerifyWebhookSignature(header http.Header, body []byte, now time.Time) (string, time.Time, error) {
	if err := webhooksig.RequireSecret(p.secret); err != nil {
		return "", time.Time{}, err
	}
	sig := header.Get(cryptoSignatureHeader)
	tsRaw := header.Get(cryptoTimestampHeader)
	if sig == "" || tsRaw == "" {
		return sig, time.Time{}, webhooksig.Invalid("missing signature headers")
	}
	ts, err := webhooksig.ParseUnix(tsRaw)
	if err != nil {
		return sig, time.Time{}, err
	}
	if err := webhooksig.CheckSkew(ts, now, p.tolerance); err != nil {
		return sig, ts, err
	}
	if !webhooksig.Equal(webhooksig.SignHex(sha512.New, p.secret, []byte(tsRaw), body), strings.ToLower(sig)) {
		return sig, ts, webhooksig.Invalid("signature mismatch")
	}
	return sig, ts, nil
}

type cryptoEvent struct {
	EventID   string `json:"event_id"`
	Event     string `json:"event"`
	ChargeID  string `json:"charge_id"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

func (p *CryptoProvider) ParseWebhook(body []byte) (*Notification, error) {
	var ev cryptoEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, domain.Validationf("crypto webhook: %v", err)
	}
	if ev.EventID == "" || (ev.ChargeID == "" && ev.OrderID == "") {
		return nil, domain.Validationf("crypto webhook: missing event or charge id")
	}
	return &Notification{
		EventID:   ev.EventID,
		EventType: ev.Event,
		OrderRef:  ev.OrderID,
		PaymentID: ev.ChargeID,
		Status:    cryptoStatus(ev.Status),
		Message:   ev.Reason,
		Timestamp: time.Unix(ev.Timestamp, 0),
	}, nil
}
