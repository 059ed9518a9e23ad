package payment

import (
	"context"
	"crypto/sha256"
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
	walletTimestampHeader = "X-Wallet-Timestamp"
	walletSignatureHeader = "X-Wallet-Signature"
)

// EWalletProvider redirects the customer to a wallet checkout page.
type EWalletProvider struct {
	api       *apiClient
	secret    string
	tolerance time.Duration
}

func NewEWalletProvider(cfg ClientConfig) *EWalletProvider {
	return &EWalletProvider{api: newAPIClient("ewallet", cfg), secret: cfg.Secret, tolerance: cfg.Tolerance}
}

func (p *EWalletProvider) Kind() Kind { return KindEWallet }

type walletPayment struct {
	PaymentID       string `json:"payment_id"`
	MerchantOrderID string `json:"merchant_order_id"`
	Status          string `json:"status"`
	CheckoutURL     string `json:"checkout_url"`
	Reason          string `json:"reason"`
}

func (p *EWalletProvider) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	payload := map[string]any{
		"merchant_order_id": req.OrderID,
		"reference":         req.OrderNumber,
		"amount":            domain.FormatMajor(req.Amount, req.Currency),
		"currency":          req.Currency,
		"payer_email":       req.CustomerEmail,
		"return_url":        req.ReturnURL,
	}
	resp, err := p.api.do(ctx, http.MethodPost, "/api/payments",
		map[string]string{"X-Request-Id": req.OrderID}, payload)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		if !isDeclineStatus(resp.status) {
			return nil, unexpectedStatus(KindEWallet, resp)
		}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(resp.body, &e)
		msg := e.Message
		if msg == "" {
			msg = fmt.Sprintf("wallet rejected the payment (%d)", resp.status)
		}
		return nil, &domain.DeclinedError{Provider: string(KindEWallet), Message: msg}
	}

	var w walletPayment
	if err := resp.decode(&w); err != nil {
		return nil, fmt.Errorf("%w: ewallet: %v", domain.ErrProviderTimeout, err)
	}
	if walletStatus(w.Status) == domain.PaymentStatusDeclined {
		return nil, &domain.DeclinedError{Provider: string(KindEWallet), Message: w.Reason}
	}
	return walletResult(w, resp.body), nil
}

func (p *EWalletProvider) CheckStatus(ctx context.Context, q StatusQuery) (*Result, error) {
	path := "/api/payments?merchant_order_id=" + url.QueryEscape(q.OrderID)
	if q.PaymentID != "" {
		path = "/api/payments/" + url.PathEscape(q.PaymentID)
	}
	resp, err := p.api.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound {
		if q.PaymentID == "" {
			return &Result{Status: domain.PaymentStatusPending, RawPayload: resp.body}, nil
		}
		return nil, fmt.Errorf("wallet payment %s %w", q.PaymentID, domain.ErrNotFound)
	}
	if !resp.ok() {
		return nil, unexpectedStatus(KindEWallet, resp)
	}
	var w walletPayment
	if err := resp.decode(&w); err != nil {
		return nil, fmt.Errorf("%w: ewallet: %v", domain.ErrProviderTimeout, err)
	}
	return walletResult(w, resp.body), nil
}

func walletResult(w walletPayment, raw []byte) *Result {
	return &Result{
		Status:            walletStatus(w.Status),
		ProviderReference: w.PaymentID,
		RedirectURL:       w.CheckoutURL,
		Message:           w.Reason,
		RawPayload:        raw,
	}
}

func walletStatus(s string) domain.PaymentStatus {
	switch strings.ToUpper(s) {
	case "CREATED", "PENDING", "PROCESSING":
		return domain.PaymentStatusProcessing
	case "SUCCESS", "PAID":
		return domain.PaymentStatusCompleted
	case "DECLINED":
		return domain.PaymentStatusDeclined
	case "FAILED", "EXPIRED", "CANCELLED":
		return domain.PaymentStatusFailed
	case "REFUNDED":
		return domain.PaymentStatusRefunded
	}
	return domain.PaymentStatusPending
}

// VerifyWebhookSignature checks base64 hmac-sha256 over "timestamp.body".
func (p *EWalletProvider) VerifyWebhookSignature(header http.Header, body []byte, now time.Time) (string, time.Time, error) {
	if err := webhooksig.RequireSecret(p.secret); err != nil {
		return "", time.Time{}, err
	}
	sig := header.Get(walletSignatureHeader)
	tsRaw := header.Get(walletTimestampHeader)
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
	if !webhooksig.Equal(webhooksig.SignBase64(sha256.New, p.secret, []byte(tsRaw), []byte("."), body), sig) {
		return sig, ts, webhooksig.Invalid("signature mismatch")
	}
	return sig, ts, nil
}

type walletEvent struct {
	NotificationID  string `json:"notification_id"`
	EventType       string `json:"event_type"`
	PaymentID       string `json:"payment_id"`
	MerchantOrderID string `json:"merchant_order_id"`
	Status          string `json:"status"`
	Reason          string `json:"reason"`
	OccurredAt      string `json:"occurred_at"`
}

func (p *EWalletProvider) ParseWebhook(body []byte) (*Notification, error) {
	var ev walletEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, domain.Validationf("ewallet webhook: %v", err)
	}
	if ev.NotificationID == "" || ev.PaymentID == "" {
		return nil, domain.Validationf("ewallet webhook: missing notification or payment id")
	}
	n := &Notification{
		EventID:   ev.NotificationID,
		EventType: ev.EventType,
		OrderRef:  ev.MerchantOrderID,
		PaymentID: ev.PaymentID,
		Status:    walletStatus(ev.Status),
		Message:   ev.Reason,
	}
	if ts, err := time.Parse(time.RFC3339, ev.OccurredAt); err == nil {
		n.Timestamp = ts
	}
	return n, nil
}
