package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

// Kind is the closed set of supported gateways.
type Kind string

const (
	KindCard    Kind = "card"
	KindCrypto  Kind = "crypto"
	KindEWallet Kind = "ewallet"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCard, KindCrypto, KindEWallet:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownProvider, s)
}

type ChargeRequest struct {
	OrderID       string
	OrderNumber   string
	Amount        int64
	Currency      string
	CustomerEmail string
	Description   string
	ReturnURL     string
}

// StatusQuery identifies a payment by provider id or, before one is known, by our order.
type StatusQuery struct {
	PaymentID   string
	OrderID     string
	OrderNumber string
}

// Result is the provider-neutral answer to a charge or status check.
type Result struct {
	Status            domain.PaymentStatus
	ProviderReference string
	RedirectURL       string
	ClientSecret      string
	Message           string
	RawPayload        json.RawMessage
}

// Notification is a verified, parsed webhook.
type Notification struct {
	EventID   string
	EventType string
	OrderRef  string
	PaymentID string
	Status    domain.PaymentStatus
	Message   string
	Timestamp time.Time
}

// Provider is one external gateway. Charge returns *domain.DeclinedError for a confirmed rejection and
// an error wrapping domain.ErrProviderTimeout when the outcome is unknown.
type Provider interface {
	Kind() Kind
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
	CheckStatus(ctx context.Context, q StatusQuery) (*Result, error)
	// VerifyWebhookSignature checks the delivery and returns the signature and signed timestamp it used.
	VerifyWebhookSignature(header http.Header, body []byte, now time.Time) (string, time.Time, error)
	ParseWebhook(body []byte) (*Notification, error)
}

type Registry struct {
	providers map[Kind]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Kind]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Kind()] = p
	}
	return r
}

func (r *Registry) Get(kind Kind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, kind)
	}
	return p, nil
}

// Lookup parses a provider id from the outside world and returns its implementation.
func (r *Registry) Lookup(id string) (Provider, error) {
	kind, err := ParseKind(id)
	if err != nil {
		return nil, err
	}
	return r.Get(kind)
}

func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
