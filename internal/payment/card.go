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

const cardSignatureHeader = "Card-Signature"

// CardProvider talks to a payment-intent style card processor.
type CardProvider struct {
	api       *apiClient
	secret    string
	tolerance time.Duration
}

func NewCardProvider(cfg ClientConfig) *CardProvider {
	return &CardProvider{api: newAPIClient("card", cfg), secret: cfg.Secret, tolerance: cfg.Tolerance}
}

func (p *CardProvider) Kind() Kind { return KindCard }

type cardIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	NextAction   *struct {
		RedirectURL string `json:"redirect_url"`
	} `json:"next_action,omitempty"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error,omitempty"`
}

type cardError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *CardProvider) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	payload := map[string]any{
		"amount":        req.Amount,
		"currency":      strings.ToLower(req.Currency),
		"description":   req.Description,
		"receipt_email": req.CustomerEmail,
		"return_url":    req.ReturnURL,
		"metadata": map[string]string{
			"order_id":     req.OrderID,
			"order_number": req.OrderNumber,
		},
	}
	resp, err := p.api.do(ctx, http.MethodPost, "/v1/payment_intents",
		map[string]string{"Idempotency-Key": req.OrderID}, payload)
	if err != nil {
		return nil, err
	}

	if !resp.ok() {
		if !isDeclineStatus(resp.status) {
			return nil, unexpectedStatus(KindCard, resp)
		}
		var e cardError
		_ = json.Unmarshal(resp.body, &e)
		msg := e.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("card processor rejected the request (%d)", resp.status)
		}
		return nil, &domain.DeclinedError{Provider: string(KindCard), Message: msg}
	}

	var intent cardIntent
	if err := resp.decode(&intent); err != nil {
		return nil, fmt.Errorf("%w: card: %v", domain.ErrProviderTimeout, err)
	}
	return p.result(intent, resp.body), nil
}

func (p *CardProvider) CheckStatus(ctx context.Context, q StatusQuery) (*Result, error) {
	if q.PaymentID != "" {
		resp, err := p.api.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(q.PaymentID), nil, nil)
		if err != nil {
			return nil, err
		}
		if resp.status == http.StatusNotFound {
			return nil, fmt.Errorf("card payment %s %w", q.PaymentID, domain.ErrNotFound)
		}
		if !resp.ok() {
			return nil, unexpectedStatus(KindCard, resp)
		}
		var intent cardIntent
		if err := resp.decode(&intent); err != nil {
			return nil, fmt.Errorf("%w: card: %v", domain.ErrProviderTimeout, err)
		}
		return p.result(intent, resp.body), nil
	}

	resp, err := p.api.do(ctx, http.MethodGet, "/v1/payment_intents?order_id="+url.QueryEscape(q.OrderID), nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, unexpectedStatus(KindCard, resp)
	}
	var list struct {
		Data []cardIntent `json:"data"`
	}
	if err := resp.decode(&list); err != nil {
		return nil, fmt.Errorf("%w: card: %v", domain.ErrProviderTimeout, err)
	}
	if len(list.Data) == 0 {
		return &Result{Status: domain.PaymentStatusPending, RawPayload: resp.body}, nil
	}
	return p.result(list.Data[0], resp.body), nil
}

func (p *CardProvider) result(intent cardIntent, raw []byte) *Result {
	r := &Result{
		Status:            cardStatus(intent.Status),
		ProviderReference: intent.ID,
		ClientSecret:      intent.ClientSecret,
		RawPayload:        raw,
	}
	if intent.NextAction != nil {
		r.RedirectURL = intent.NextAction.RedirectURL
	}
	if intent.LastPaymentError != nil {
		r.Message = intent.LastPaymentError.Message
	}
	return r
}

func cardStatus(s string) domain.PaymentStatus {
	switch s {
	case "succeeded":
		return domain.PaymentStatusCompleted
	case "requires_action", "requires_confirmation", "processing":
		return domain.PaymentStatusProcessing
	case "requires_payment_method", "canceled":
		return domain.PaymentStatusFailed
	case "refunded":
		return domain.PaymentStatusRefunded
	}
	return domain.PaymentStatusPending
}

// VerifyWebhookSignature checks "Card-Signature: t=<unix>,v1=<hex hmac-sha256(t.body)>".
func (p *CardProvider) VerifyWebhookSignature(header http.Header, body []byte, now time.Time) (string, time.Time, error) {
	if err := webhooksig.RequireSecret(p.secret); err != nil {
		return "", time.Time{}, err
	}
	raw := header.Get(cardSignatureHeader)
	if raw == "" {
		return "", time.Time{}, webhooksig.Invalid("missing " + cardSignatureHeader)
	}
	tsRaw, candidates, err := webhooksig.ParseTimestamped(raw)
	if err != nil {
		return raw, time.Time{}, err
	}
	ts, err := webhooksig.ParseUnix(tsRaw)
	if err != nil {
		return raw, time.Time{}, err
	}
	if err := webhooksig.CheckSkew(ts, now, p.tolerance); err != nil {
		return raw, ts, err
	}

	expected := webhooksig.SignHex(sha256.New, p.secret, []byte(tsRaw), []byte("."), body)
	for _, c := range candidates {
		if webhooksig.Equal(expected, c) {
			return raw, ts, nil
		}
	}
	return raw, ts, webhooksig.Invalid("signature mismatch")
}

type cardEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID       string            `json:"id"`
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
			Error    *struct {
				Message string `json:"message"`
			} `json:"last_payment_error,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

func (p *CardProvider) ParseWebhook(body []byte) (*Notification, error) {
	var ev cardEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, domain.Validationf("card webhook: %v", err)
	}
	if ev.ID == "" || ev.Data.Object.ID == "" {
		return nil, domain.Validationf("card webhook: missing event or payment id")
	}

	status := cardStatus(ev.Data.Object.Status)
	if ev.Type == "charge.refunded" {
		status = domain.PaymentStatusRefunded
	}
	n := &Notification{
		EventID:   ev.ID,
		EventType: ev.Type,
		OrderRef:  ev.Data.Object.Metadata["order_id"],
		PaymentID: ev.Data.Object.ID,
		Status:    status,
		Timestamp: time.Unix(ev.Created, 0),
	}
	if n.OrderRef == "" {
		n.OrderRef = ev.Data.Object.Metadata["order_number"]
	}
	if ev.Data.Object.Error != nil {
		n.Message = ev.Data.Object.Error.Message
	}
	return n, nil
}
