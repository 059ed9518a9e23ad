package repository

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

func (r *PostgresRepository) BeginEvent(ctx context.Context, ev *domain.WebhookEvent) (bool, error) {
	var alreadyApplied bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (provider, external_event_id, event_type, order_ref, payment_id, status,
		     signature, event_timestamp, payload, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (provider, external_event_id)
		 DO UPDATE SET attempts = webhook_events.attempts + 1
		 RETURNING applied_at IS NOT NULL`,
		ev.Provider,
		ev.ExternalEventID,
		ev.EventType,
		ev.OrderRef,
		ev.PaymentID,
		ev.Status,
		ev.Signature,
		nullTime(ev.Timestamp),
		jsonPayload(ev.Payload),
		ev.ReceivedAt,
	).Scan(&alreadyApplied)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return alreadyApplied, nil
}

// CompleteEvent stores the outcome. Only a failed outcome leaves the event open for provider retries.
func (r *PostgresRepository) CompleteEvent(ctx context.Context, provider, externalID string, outcome domain.WebhookOutcome, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET outcome = $3,
		     error = $4,
		     applied_at = CASE WHEN $3 = 'failed' THEN NULL ELSE COALESCE(applied_at, NOW()) END
		 WHERE provider = $1 AND external_event_id = $2`,
		provider, externalID, string(outcome), errMsg)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecordRejection(ctx context.Context, ev *domain.WebhookEvent, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_rejections (provider, signature, event_timestamp, payload, reason, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Provider, ev.Signature, nullTime(ev.Timestamp), []byte(ev.Payload), reason, ev.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert webhook rejection: %w", err)
	}
	return nil
}

func jsonPayload(p []byte) []byte {
	if len(p) == 0 {
		return []byte("{}")
	}
	return p
}
