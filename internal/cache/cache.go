package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

// CartCache is a read-through cache of live carts. Every Delete bumps the identity's generation;
// Set only stores a cart read under the generation it was given.
type CartCache interface {
	Get(ctx context.Context, id domain.Identity) (*domain.CartSession, error)
	Generation(ctx context.Context, id domain.Identity) (int64, error)
	Set(ctx context.Context, cart *domain.CartSession, generation int64) error
	Delete(ctx context.Context, id domain.Identity) error
}

var (
	ErrCacheMiss = errors.New("cache miss")
	// ErrSuperseded means the cart was invalidated after it was read.
	ErrSuperseded = errors.New("cache fill superseded")
)
