package domain

import "strings"

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusPaid, OrderStatusFailed},
	OrderStatusPaid:       {OrderStatusRefunded},
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFailed || s == OrderStatusRefunded || s == OrderStatusCancelled
}

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusPaid,
		OrderStatusFailed, OrderStatusRefunded, OrderStatusCancelled:
		return true
	}
	return false
}

// String representation (for logging)
func (s OrderStatus) String() string {
	return string(s)
}

// CanTransitionTo reports whether one edge of the order graph leads from `from` to `to`.
func CanTransitionTo(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionPath returns the edges needed to move from `from` to `to`. A payment confirmed while the
// order is still pending walks pending -> processing -> paid so history stays monotonic.
func TransitionPath(from, to OrderStatus) ([]OrderStatus, error) {
	if CanTransitionTo(from, to) {
		return []OrderStatus{to}, nil
	}
	if from == OrderStatusPending && to == OrderStatusPaid {
		return []OrderStatus{OrderStatusProcessing, OrderStatusPaid}, nil
	}
	return nil, ErrInvalidTransition
}

// PaymentStatus is a provider-reported status, normalised by each provider implementation.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusDeclined   PaymentStatus = "declined"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

// TargetOrderStatus maps a provider status to the order status it asks for.
// Pending means "nothing to apply yet" and returns ok=false.
func TargetOrderStatus(status PaymentStatus) (OrderStatus, bool, error) {
	switch PaymentStatus(strings.ToLower(string(status))) {
	case PaymentStatusCompleted, PaymentStatusPaid:
		return OrderStatusPaid, true, nil
	case PaymentStatusFailed, PaymentStatusDeclined:
		return OrderStatusFailed, true, nil
	case PaymentStatusRefunded:
		return OrderStatusRefunded, true, nil
	case PaymentStatusProcessing:
		return OrderStatusProcessing, true, nil
	case PaymentStatusPending:
		return "", false, nil
	}
	return "", false, Validationf("unknown payment status %q", status)
}
