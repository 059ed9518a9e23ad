// Package webhook turns signed provider callbacks into idempotent order and booking transitions.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/payment"
	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/fjod/go_cart/commerce-service/internal/scheduling"
	"github.com/fjod/go_cart/commerce-service/internal/service"
	"github.com/google/uuid"
)

// ErrRetryLater marks failures the sender should redeliver.
var ErrRetryLater = errors.New("webhook could not be applied, retry later")

type ProviderLookup interface {
	Lookup(id string) (payment.Provider, error)
}

type OrderReconciler interface {
	FindForNotification(ctx context.Context, provider, paymentID, orderRef string) (*domain.Order, error)
	Reconcile(ctx context.Context, order *domain.Order, in service.ReconcileInput) (*domain.Order, bool, error)
}

type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type Reconciler struct {
	providers ProviderLookup
	orders    OrderReconciler
	events    repository.WebhookRepository
	bookings  repository.BookingRepository
	scheduler *scheduling.Verifier
	locks     Locker
	log       *slog.Logger
	now       func() time.Time
}

func NewReconciler(
	providers ProviderLookup,
	orders OrderReconciler,
	events repository.WebhookRepository,
	bookings repository.BookingRepository,
	scheduler *scheduling.Verifier,
	locks Locker,
	log *slog.Logger,
) *Reconciler {
	return &Reconciler{
		providers: providers,
		orders:    orders,
		events:    events,
		bookings:  bookings,
		scheduler: scheduler,
		locks:     locks,
		log:       log,
		now:       time.Now,
	}
}

// HandlePayment runs received -> verified -> parsed -> applied for one payment provider delivery.
// Signature failures return domain.ErrSignatureInvalid and are never retried; storage and lookup
// failures return ErrRetryLater.
func (r *Reconciler) HandlePayment(ctx context.Context, providerID string, header http.Header, body []byte) (domain.WebhookOutcome, error) {
	provider, err := r.providers.Lookup(providerID)
	if err != nil {
		return domain.WebhookRejected, err
	}
	kind := string(provider.Kind())
	receivedAt := r.now()

	sig, signedAt, err := provider.VerifyWebhookSignature(header, body, receivedAt)
	if err != nil {
		r.reject(ctx, &domain.WebhookEvent{Provider: kind, Signature: sig, Timestamp: signedAt, Payload: body, ReceivedAt: receivedAt}, err)
		return domain.WebhookRejected, err
	}

	n, err := provider.ParseWebhook(body)
	if err != nil {
		r.reject(ctx, &domain.WebhookEvent{Provider: kind, Signature: sig, Timestamp: signedAt, Payload: body, ReceivedAt: receivedAt}, err)
		return domain.WebhookRejected, err
	}

	ev := &domain.WebhookEvent{
		Provider:        kind,
		ExternalEventID: n.EventID,
		EventType:       n.EventType,
		OrderRef:        n.OrderRef,
		PaymentID:       n.PaymentID,
		Status:          string(n.Status),
		Signature:       sig,
		Timestamp:       signedAt,
		Payload:         body,
		ReceivedAt:      receivedAt,
	}
	alreadyApplied, err := r.events.BeginEvent(ctx, ev)
	if err != nil {
		return domain.WebhookFailed, fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	if alreadyApplied {
		r.log.InfoContext(ctx, "duplicate webhook acknowledged", "provider", kind, "event_id", n.EventID)
		return domain.WebhookDuplicate, nil
	}

	key := n.OrderRef
	if key == "" {
		key = n.PaymentID
	}
	unlock, err := r.locks.Lock(ctx, kind+":"+key)
	if err != nil {
		return r.complete(ctx, ev, domain.WebhookFailed, err)
	}
	defer unlock()

	order, err := r.orders.FindForNotification(ctx, kind, n.PaymentID, n.OrderRef)
	if err != nil {
		return r.complete(ctx, ev, domain.WebhookFailed, err)
	}

	_, applied, err := r.orders.Reconcile(ctx, order, service.ReconcileInput{
		Status:    n.Status,
		PaymentID: n.PaymentID,
		Message:   n.Message,
		Source:    service.SourceWebhook,
	})
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrValidation):
		r.log.WarnContext(ctx, "webhook ignored", "provider", kind, "event_id", n.EventID, "order_id", order.ID, "reason", err)
		return r.complete(ctx, ev, domain.WebhookIgnored, err)
	case err != nil:
		return r.complete(ctx, ev, domain.WebhookFailed, err)
	case applied:
		return r.complete(ctx, ev, domain.WebhookApplied, nil)
	default:
		return r.complete(ctx, ev, domain.WebhookDuplicate, nil)
	}
}

// HandleScheduler applies a scheduling tool delivery to Bookings.
func (r *Reconciler) HandleScheduler(ctx context.Context, header http.Header, body []byte) (domain.WebhookOutcome, error) {
	receivedAt := r.now()
	sig, signedAt, err := r.scheduler.Verify(header, body, receivedAt)
	if err != nil {
		r.reject(ctx, &domain.WebhookEvent{Provider: scheduling.Provider, Signature: sig, Timestamp: signedAt, Payload: body, ReceivedAt: receivedAt}, err)
		return domain.WebhookRejected, err
	}

	se, err := scheduling.Parse(body)
	if err != nil {
		r.reject(ctx, &domain.WebhookEvent{Provider: scheduling.Provider, Signature: sig, Timestamp: signedAt, Payload: body, ReceivedAt: receivedAt}, err)
		return domain.WebhookRejected, err
	}

	ev := &domain.WebhookEvent{
		Provider:        scheduling.Provider,
		ExternalEventID: se.EventID,
		EventType:       string(se.Type),
		OrderRef:        se.OrderNumber,
		Signature:       sig,
		Timestamp:       signedAt,
		Payload:         body,
		ReceivedAt:      receivedAt,
	}
	alreadyApplied, err := r.events.BeginEvent(ctx, ev)
	if err != nil {
		return domain.WebhookFailed, fmt.Errorf("%w: %v", ErrRetryLater, err)
	}
	if alreadyApplied {
		return domain.WebhookDuplicate, nil
	}

	unlock, err := r.locks.Lock(ctx, scheduling.Provider+":"+se.ExternalID)
	if err != nil {
		return r.complete(ctx, ev, domain.WebhookFailed, err)
	}
	defer unlock()

	switch se.Type {
	case scheduling.InviteeCreated:
		return r.createBooking(ctx, ev, se)
	case scheduling.InviteeCanceled:
		return r.cancelBooking(ctx, ev, se)
	default:
		return r.complete(ctx, ev, domain.WebhookIgnored, nil)
	}
}

func (r *Reconciler) createBooking(ctx context.Context, ev *domain.WebhookEvent, se *scheduling.Event) (domain.WebhookOutcome, error) {
	now := r.now()
	b := &domain.Booking{
		ID:           uuid.New(),
		Provider:     scheduling.Provider,
		ExternalID:   se.ExternalID,
		OrderNumber:  se.OrderNumber,
		InviteeEmail: se.InviteeEmail,
		StartsAt:     se.StartsAt,
		Status:       domain.BookingStatusScheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := r.bookings.CreateBooking(ctx, b)
	if err != nil {
		return r.complete(ctx, ev, domain.WebhookFailed, err)
	}
	if !created {
		return r.complete(ctx, ev, domain.WebhookDuplicate, nil)
	}
	r.log.InfoContext(ctx, "booking scheduled", "booking_id", b.ID, "order_number", b.OrderNumber, "starts_at", b.StartsAt)
	return r.complete(ctx, ev, domain.WebhookApplied, nil)
}

func (r *Reconciler) cancelBooking(ctx context.Context, ev *domain.WebhookEvent, se *scheduling.Event) (domain.WebhookOutcome, error) {
	b, err := r.bookings.GetBooking(ctx, scheduling.Provider, se.ExternalID)
	if err != nil {
		// a cancel can overtake its create; fail so the tool redelivers
		return r.complete(ctx, ev, domain.WebhookFailed, err)
	}
	if b.Status == domain.BookingStatusCancelled {
		return r.complete(ctx, ev, domain.WebhookDuplicate, nil)
	}
	if !domain.CanTransitionBooking(b.Status, domain.BookingStatusCancelled) {
		return r.complete(ctx, ev, domain.WebhookIgnored, domain.ErrInvalidTransition)
	}

	err = r.bookings.UpdateBookingStatus(ctx, b.ID, b.Status, domain.BookingStatusCancelled)
	if errors.Is(err, repository.ErrStatusConflict) {
		return r.complete(ctx, ev, domain.WebhookDuplicate, nil)
	}
	if err != nil {
		return r.complete(ctx, ev, domain.WebhookFailed, err)
	}
	r.log.InfoContext(ctx, "booking cancelled", "booking_id", b.ID)
	return r.complete(ctx, ev, domain.WebhookApplied, nil)
}

// complete records the outcome. Only a failed outcome is reported to the sender as an error.
func (r *Reconciler) complete(ctx context.Context, ev *domain.WebhookEvent, outcome domain.WebhookOutcome, cause error) (domain.WebhookOutcome, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.events.CompleteEvent(writeCtx, ev.Provider, ev.ExternalEventID, outcome, msg); err != nil {
		r.log.ErrorContext(ctx, "failed to record webhook outcome",
			"provider", ev.Provider, "event_id", ev.ExternalEventID, "outcome", outcome, "error", err)
	}

	if outcome == domain.WebhookFailed {
		r.log.WarnContext(ctx, "webhook failed", "provider", ev.Provider, "event_id", ev.ExternalEventID, "error", cause)
		return outcome, fmt.Errorf("%w: %v", ErrRetryLater, cause)
	}
	return outcome, nil
}

func (r *Reconciler) reject(ctx context.Context, ev *domain.WebhookEvent, cause error) {
	r.log.WarnContext(ctx, "webhook rejected", "provider", ev.Provider, "reason", cause)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.events.RecordRejection(writeCtx, ev, cause.Error()); err != nil {
		r.log.ErrorContext(ctx, "failed to record webhook rejection", "provider", ev.Provider, "error", err)
	}
}
