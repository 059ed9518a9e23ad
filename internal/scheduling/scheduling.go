// Package scheduling verifies and parses booking webhooks from the external scheduling tool.
package scheduling

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/webhooksig"
)

const (
	Provider        = "scheduler"
	SignatureHeader = "Scheduler-Webhook-Signature"
)

type EventType string

const (
	InviteeCreated  EventType = "invitee.created"
	InviteeCanceled EventType = "invitee.canceled"
)

// Event is a verified scheduler delivery.
type Event struct {
	// EventID is derived from type and invitee, the tool sends no delivery id.
	EventID      string
	Type         EventType
	ExternalID   string
	InviteeEmail string
	OrderNumber  string
	StartsAt     time.Time
	CreatedAt    time.Time
}

type Verifier struct {
	signingKey string
	tolerance  time.Duration
}

func NewVerifier(signingKey string, tolerance time.Duration) *Verifier {
	return &Verifier{signingKey: signingKey, tolerance: tolerance}
}

// Verify checks "t=<unix>,v1=<hex hmac-sha256(t.body)>" and returns the raw header and signed time.
func (v *Verifier) Verify(header http.Header, body []byte, now time.Time) (string, time.Time, error) {
	if err := webhooksig.RequireSecret(v.signingKey); err != nil {
		return "", time.Time{}, err
	}
	raw := header.Get(SignatureHeader)
	if raw == "" {
		return "", time.Time{}, webhooksig.Invalid("missing " + SignatureHeader)
	}
	tsRaw, sigs, err := webhooksig.ParseTimestamped(raw)
	if err != nil {
		return raw, time.Time{}, err
	}
	ts, err := webhooksig.ParseUnix(tsRaw)
	if err != nil {
		return raw, time.Time{}, err
	}
	if err := webhooksig.CheckSkew(ts, now, v.tolerance); err != nil {
		return raw, ts, err
	}
	expected := webhooksig.SignHex(sha256.New, v.signingKey, []byte(tsRaw), []byte("."), body)
	for _, sig := range sigs {
		if webhooksig.Equal(expected, sig) {
			return raw, ts, nil
		}
	}
	return raw, ts, webhooksig.Invalid("signature mismatch")
}

type envelope struct {
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Payload   struct {
		URI            string `json:"uri"`
		Email          string `json:"email"`
		ScheduledEvent struct {
			StartTime time.Time `json:"start_time"`
		} `json:"scheduled_event"`
		Tracking struct {
			UTMContent string `json:"utm_content"`
		} `json:"tracking"`
	} `json:"payload"`
}

// Parse decodes a scheduler body. Event types other than created/canceled are returned as-is for
// the caller to ignore.
func Parse(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.Validationf("scheduler webhook: %v", err)
	}
	if env.Event == "" || env.Payload.URI == "" {
		return nil, domain.Validationf("scheduler webhook: missing event or invitee uri")
	}
	return &Event{
		EventID:      env.Event + ":" + env.Payload.URI,
		Type:         EventType(env.Event),
		ExternalID:   env.Payload.URI,
		InviteeEmail: env.Payload.Email,
		OrderNumber:  strings.TrimSpace(env.Payload.Tracking.UTMContent),
		StartsAt:     env.Payload.ScheduledEvent.StartTime,
		CreatedAt:    env.CreatedAt,
	}, nil
}

// Sign produces a header value for body. Used by tests and local tooling.
func Sign(signingKey string, body []byte, at time.Time) string {
	return webhooksig.Timestamped(sha256.New, signingKey, body, at)
}
