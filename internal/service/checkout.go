package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/payment"
	"github.com/google/uuid"
)

type CheckoutRequest struct {
	CartID   string
	Provider string
	Email    string
	// Identity is the caller; when set the cart must belong to it.
	Identity domain.Identity
}

type CheckoutResult struct {
	OrderID      uuid.UUID
	OrderNumber  string
	Status       domain.OrderStatus
	RedirectURL  string
	ClientSecret string
	Unknown      bool
}

type Checkout struct {
	carts  *CartManager
	orders *OrderService
	log    *slog.Logger
	now    func() time.Time
}

func NewCheckout(carts *CartManager, orders *OrderService, log *slog.Logger) *Checkout {
	return &Checkout{carts: carts, orders: orders, log: log, now: time.Now}
}

// Checkout converts a cart into an order and starts the payment. The cart is claimed before the order
// exists so two concurrent checkouts of one cart cannot both succeed; a failed insert releases it.
// On decline the result is returned together with the *domain.DeclinedError.
func (c *Checkout) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if strings.TrimSpace(req.CartID) == "" {
		return nil, domain.Validationf("cartId is required")
	}
	kind, err := payment.ParseKind(req.Provider)
	if err != nil {
		return nil, domain.Validationf("unknown payment provider %q", req.Provider)
	}

	cart, err := c.carts.FindByID(ctx, req.CartID)
	if err != nil {
		return nil, err
	}
	if err := c.checkCart(cart, req.Identity); err != nil {
		return nil, err
	}

	orderID := uuid.New()
	claimed, err := c.carts.Claim(ctx, cart.ID, orderID.String())
	if err != nil {
		return nil, err
	}
	if len(claimed.Items) == 0 {
		c.release(ctx, claimed, orderID)
		return nil, domain.ErrEmptyCart
	}

	order := domain.NewOrderWithID(orderID, claimed.Snapshot(c.now()), req.Email, c.now())
	order.PaymentProvider = string(kind)
	if err := c.orders.CreateOrder(ctx, order); err != nil {
		c.release(ctx, claimed, orderID)
		return nil, fmt.Errorf("create order: %w", err)
	}

	init, err := c.orders.InitiatePayment(ctx, order)
	if init == nil {
		return nil, err
	}
	return &CheckoutResult{
		OrderID:      order.ID,
		OrderNumber:  order.OrderNumber,
		Status:       init.Order.Status,
		RedirectURL:  init.RedirectURL,
		ClientSecret: init.ClientSecret,
		Unknown:      init.Unknown,
	}, err
}

func (c *Checkout) checkCart(cart *domain.CartSession, caller domain.Identity) error {
	if cart.ConvertedToOrder {
		return domain.ErrCartConverted
	}
	if caller.Validate() == nil && cart.Identity() != caller {
		// do not reveal carts of other visitors
		return fmt.Errorf("cart %s %w", cart.ID, domain.ErrNotFound)
	}
	if cart.IsExpired(c.now()) {
		return domain.Validationf("cart %s has expired", cart.ID)
	}
	if len(cart.Items) == 0 {
		return domain.ErrEmptyCart
	}
	return nil
}

func (c *Checkout) release(ctx context.Context, cart *domain.CartSession, orderID uuid.UUID) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.carts.Release(relCtx, cart, orderID.String()); err != nil && !errors.Is(err, context.Canceled) {
		c.log.ErrorContext(ctx, "failed to release cart after checkout failure", "cart_id", cart.ID, "error", err)
	}
}
