package domain

import (
	"encoding/json"
	"time"
)

// WebhookOutcome is what the reconciler did with a delivery.
type WebhookOutcome string

const (
	WebhookApplied   WebhookOutcome = "applied"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookRejected  WebhookOutcome = "rejected"
	WebhookFailed    WebhookOutcome = "failed"
)

// WebhookEvent is the audit record of an inbound provider callback.
type WebhookEvent struct {
	Provider        string
	ExternalEventID string
	EventType       string
	OrderRef        string
	PaymentID       string
	Status          string
	Signature       string
	Timestamp       time.Time
	Payload         json.RawMessage
	Outcome         WebhookOutcome
	Error           string
	ReceivedAt      time.Time
	AppliedAt       *time.Time
}
