package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/payment"
	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/google/uuid"
)

const (
	maxTransitionConflicts = 3

	EventOrderStatusChanged = "order.status_changed"

	SourceCharge  = "charge"
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceAPI     = "api"
	SourceSweep   = "sweep"
)

// ProviderLookup resolves a provider by kind. *payment.Registry satisfies it.
type ProviderLookup interface {
	Get(kind payment.Kind) (payment.Provider, error)
}

type OrderOptions struct {
	CallTimeout time.Duration
	ReturnURL   string
	Now         func() time.Time
}

type OrderService struct {
	orders    repository.OrderRepository
	providers ProviderLookup
	log       *slog.Logger

	callTimeout time.Duration
	returnURL   string
	now         func() time.Time
}

func NewOrderService(orders repository.OrderRepository, providers ProviderLookup, log *slog.Logger, opts OrderOptions) *OrderService {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &OrderService{
		orders:      orders,
		providers:   providers,
		log:         log,
		callTimeout: opts.CallTimeout,
		returnURL:   opts.ReturnURL,
		now:         opts.Now,
	}
}

// CreateOrder persists a pending order from a cart snapshot.
func (s *OrderService) CreateOrder(ctx context.Context, order *domain.Order) error {
	if len(order.Items) == 0 {
		return domain.ErrEmptyCart
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "order created",
		"order_id", order.ID, "order_number", order.OrderNumber, "total", order.Total, "currency", order.Currency)
	return nil
}

func (s *OrderService) Get(ctx context.Context, caller domain.Identity, id uuid.UUID) (*domain.Order, []*repository.StatusHistoryEntry, error) {
	order, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.orders.ListHistory(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return order, history, nil
}

// PaymentInit is what the buyer needs to finish a payment.
type PaymentInit struct {
	Order        *domain.Order
	RedirectURL  string
	ClientSecret string
	// Unknown is set when the provider could not be reached; the order stays pending.
	Unknown bool
}

// InitiatePayment charges the order through its provider. A decline fails the order with the
// provider's message and is returned as *domain.DeclinedError. A timeout leaves the order pending.
func (s *OrderService) InitiatePayment(ctx context.Context, order *domain.Order) (*PaymentInit, error) {
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("order %s is %s: %w", order.OrderNumber, order.Status, domain.ErrInvalidTransition)
	}
	kind, err := payment.ParseKind(order.PaymentProvider)
	if err != nil {
		return nil, err
	}
	provider, err := s.providers.Get(kind)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	res, err := provider.Charge(callCtx, payment.ChargeRequest{
		OrderID:       order.ID.String(),
		OrderNumber:   order.OrderNumber,
		Amount:        order.Total,
		Currency:      order.Currency,
		CustomerEmail: order.CustomerEmail,
		Description:   "Order " + order.OrderNumber,
		ReturnURL:     s.returnURL,
	})

	var declined *domain.DeclinedError
	switch {
	case errors.As(err, &declined):
		s.log.InfoContext(ctx, "payment declined", "order_id", order.ID, "provider", kind, "reason", declined.Message)
		if _, _, terr := s.advance(ctx, order, domain.OrderStatusFailed, "", declined.Message, SourceCharge); terr != nil {
			return nil, fmt.Errorf("record decline: %w", terr)
		}
		return &PaymentInit{Order: order}, err
	case errors.Is(err, domain.ErrProviderTimeout):
		s.log.WarnContext(ctx, "payment outcome unknown, order left pending", "order_id", order.ID, "provider", kind, "error", err)
		return &PaymentInit{Order: order, Unknown: true}, nil
	case err != nil:
		return nil, fmt.Errorf("charge order %s: %w", order.OrderNumber, err)
	}

	target, ok, err := domain.TargetOrderStatus(res.Status)
	if err != nil || !ok {
		target = domain.OrderStatusProcessing
	}
	reason := ""
	if target == domain.OrderStatusFailed {
		reason = res.Message
	}
	if _, _, err := s.advance(ctx, order, target, res.ProviderReference, reason, SourceCharge); err != nil {
		return nil, err
	}

	return &PaymentInit{
		Order:        order,
		RedirectURL:  res.RedirectURL,
		ClientSecret: res.ClientSecret,
	}, nil
}

// ReconcileInput is an external payment status to fold into an order.
type ReconcileInput struct {
	Status    domain.PaymentStatus
	PaymentID string
	Message   string
	Source    string
}

// Reconcile applies an external status. Reaching the state the order is already in is a no-op
// success; a backwards move is domain.ErrInvalidTransition. It reports whether anything changed.
func (s *OrderService) Reconcile(ctx context.Context, order *domain.Order, in ReconcileInput) (*domain.Order, bool, error) {
	target, ok, err := domain.TargetOrderStatus(in.Status)
	if err != nil {
		return order, false, err
	}
	if !ok {
		return order, false, nil
	}
	reason := ""
	if target == domain.OrderStatusFailed {
		reason = in.Message
	}
	return s.advance(ctx, order, target, in.PaymentID, reason, in.Source)
}

// CheckStatus polls the order's provider and reconciles the answer. Provider timeouts are returned
// with the order unchanged.
func (s *OrderService) CheckStatus(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if order.PaymentProvider == "" || order.Status.IsTerminal() {
		return order, nil
	}
	kind, err := payment.ParseKind(order.PaymentProvider)
	if err != nil {
		return order, err
	}
	provider, err := s.providers.Get(kind)
	if err != nil {
		return order, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	res, err := provider.CheckStatus(callCtx, payment.StatusQuery{
		PaymentID:   order.PaymentID,
		OrderID:     order.ID.String(),
		OrderNumber: order.OrderNumber,
	})
	if err != nil {
		return order, fmt.Errorf("check status of %s: %w", order.OrderNumber, err)
	}

	paymentID := res.ProviderReference
	if paymentID == "" {
		paymentID = order.PaymentID
	}
	updated, _, err := s.Reconcile(ctx, order, ReconcileInput{
		Status:    res.Status,
		PaymentID: paymentID,
		Message:   res.Message,
		Source:    SourcePoll,
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		// the provider lags behind what we already applied
		s.log.DebugContext(ctx, "stale provider status ignored", "order_id", order.ID, "provider_status", res.Status)
		return updated, nil
	}
	return updated, err
}

// Verify reports whether the order is paid after polling its provider once.
func (s *OrderService) Verify(ctx context.Context, caller domain.Identity, id uuid.UUID) (bool, *domain.Order, error) {
	order, err := s.owned(ctx, caller, id)
	if err != nil {
		return false, nil, err
	}
	if order.Status == domain.OrderStatusPaid {
		return true, order, nil
	}
	order, err = s.CheckStatus(ctx, order)
	if err != nil && !errors.Is(err, domain.ErrProviderTimeout) {
		return false, order, err
	}
	return order.Status == domain.OrderStatusPaid, order, nil
}

// Cancel moves a pending order to cancelled.
func (s *OrderService) Cancel(ctx context.Context, caller domain.Identity, id uuid.UUID, source string) (*domain.Order, error) {
	order, err := s.owned(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusCancelled {
		return nil, fmt.Errorf("cancel order %s in status %s: %w", order.OrderNumber, order.Status, domain.ErrInvalidTransition)
	}
	order, _, err = s.advance(ctx, order, domain.OrderStatusCancelled, "", "", source)
	return order, err
}

// owned loads an order on behalf of a buyer. Orders of other customers look missing.
func (s *OrderService) owned(ctx context.Context, caller domain.Identity, id uuid.UUID) (*domain.Order, error) {
	order, err := s.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.OwnedBy(caller) {
		return nil, fmt.Errorf("order %s %w", id, domain.ErrNotFound)
	}
	return order, nil
}

func (s *OrderService) FindForNotification(ctx context.Context, provider, paymentID, orderRef string) (*domain.Order, error) {
	if paymentID != "" {
		order, err := s.orders.GetOrderByPaymentID(ctx, provider, paymentID)
		if err == nil || !errors.Is(err, domain.ErrNotFound) {
			return order, err
		}
	}
	if orderRef == "" {
		return nil, repository.ErrOrderNotFound
	}
	if id, err := uuid.Parse(orderRef); err == nil {
		return s.orders.GetOrderByID(ctx, id)
	}
	return s.orders.GetOrderByNumber(ctx, orderRef)
}

type StaleSweepResult struct {
	Checked   int
	Changed   int
	Cancelled int
	Failed    int
}

// SweepStaleOrders re-polls pending/processing orders idle since recheckAfter and cancels pending
// ones older than pendingTTL whose provider confirmed nothing. Orders whose poll failed are left alone.
func (s *OrderService) SweepStaleOrders(ctx context.Context, recheckAfter, pendingTTL time.Duration, batch int) (StaleSweepResult, error) {
	var res StaleSweepResult
	now := s.now()

	orders, err := s.orders.ListStaleOrders(ctx,
		[]domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing}, now.Add(-recheckAfter), batch)
	if err != nil {
		return res, err
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		before := order.Status

		updated, err := s.CheckStatus(ctx, order)
		if err != nil {
			res.Failed++
			s.log.WarnContext(ctx, "stale order check failed", "order_id", order.ID, "error", err)
			continue
		}
		if updated.Status != before {
			res.Changed++
			continue
		}

		if updated.Status == domain.OrderStatusPending && now.Sub(updated.CreatedAt) > pendingTTL {
			if _, _, err := s.advance(ctx, updated, domain.OrderStatusCancelled, "", "", SourceSweep); err != nil {
				res.Failed++
				s.log.WarnContext(ctx, "failed to cancel expired order", "order_id", order.ID, "error", err)
				continue
			}
			res.Cancelled++
			s.log.InfoContext(ctx, "unpaid order cancelled", "order_id", order.ID, "order_number", order.OrderNumber)
		}
	}
	return res, nil
}

// advance walks order to target one edge at a time. Each edge is a conditional write keyed for
// idempotency; when another writer got there first the order is re-read and the walk resumes.
func (s *OrderService) advance(ctx context.Context, order *domain.Order, target domain.OrderStatus, paymentID, reason, source string) (*domain.Order, bool, error) {
	applied := false
	conflicts := 0
	for order.Status != target {
		path, err := domain.TransitionPath(order.Status, target)
		if err != nil {
			return order, applied, fmt.Errorf("order %s %s -> %s: %w", order.OrderNumber, order.Status, target, err)
		}

		t := domain.StatusTransition{
			OrderID:        order.ID,
			From:           order.Status,
			To:             path[0],
			PaymentID:      paymentID,
			Source:         source,
			IdempotencyKey: domain.TransitionKey(order.PaymentProvider, paymentID, path[0]),
		}
		if t.To == domain.OrderStatusFailed {
			t.FailureReason = reason
		}

		err = s.orders.ApplyTransition(ctx, t, s.statusEvent(order, t))
		switch {
		case err == nil:
			order.Status = t.To
			if paymentID != "" {
				order.PaymentID = paymentID
			}
			if t.FailureReason != "" {
				order.FailureReason = t.FailureReason
			}
			order.StatusChangedAt = s.now()
			applied = true
			s.log.InfoContext(ctx, "order status changed",
				"order_id", order.ID, "from", t.From, "to", t.To, "source", source)
		case errors.Is(err, repository.ErrDuplicateTransition), errors.Is(err, repository.ErrStatusConflict):
			conflicts++
			if conflicts > maxTransitionConflicts {
				return order, applied, fmt.Errorf("order %s: %w", order.OrderNumber, err)
			}
			fresh, gerr := s.orders.GetOrderByID(ctx, order.ID)
			if gerr != nil {
				return order, applied, gerr
			}
			*order = *fresh
		default:
			return order, applied, err
		}
	}
	return order, applied, nil
}

type statusChangedPayload struct {
	OrderID         string `json:"order_id"`
	OrderNumber     string `json:"order_number"`
	Customer        string `json:"customer"`
	CustomerEmail   string `json:"customer_email,omitempty"`
	From            string `json:"from"`
	To              string `json:"to"`
	PaymentProvider string `json:"payment_provider,omitempty"`
	PaymentID       string `json:"payment_id,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	Total           int64  `json:"total"`
	Currency        string `json:"currency"`
	Source          string `json:"source"`
	OccurredAt      string `json:"occurred_at"`
}

func (s *OrderService) statusEvent(order *domain.Order, t domain.StatusTransition) *repository.OutboxEvent {
	paymentID := t.PaymentID
	if paymentID == "" {
		paymentID = order.PaymentID
	}
	payload, _ := json.Marshal(statusChangedPayload{
		OrderID:         order.ID.String(),
		OrderNumber:     order.OrderNumber,
		Customer:        order.Customer,
		CustomerEmail:   order.CustomerEmail,
		From:            string(t.From),
		To:              string(t.To),
		PaymentProvider: order.PaymentProvider,
		PaymentID:       paymentID,
		FailureReason:   t.FailureReason,
		Total:           order.Total,
		Currency:        order.Currency,
		Source:          t.Source,
		OccurredAt:      s.now().UTC().Format(time.RFC3339),
	})
	return &repository.OutboxEvent{
		AggregateId: order.ID.String(),
		EventType:   EventOrderStatusChanged,
		Payload:     payload,
	}
}
