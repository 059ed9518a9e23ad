package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/cache"
	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/fjod/go_cart/commerce-service/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const maxCASAttempts = 5

var ErrCartItemNotFound = fmt.Errorf("cart item %w", domain.ErrNotFound)

// Converter prices amounts in another currency.
type Converter interface {
	Convert(ctx context.Context, amount int64, from, to string) (int64, error)
}

// Locker serialises work on a key. lock.KeyedMutex and lock.Mutex both satisfy it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// ReminderNotifier hands an abandoned cart to the notification pipeline.
type ReminderNotifier interface {
	NotifyAbandoned(ctx context.Context, cart *domain.CartSession) error
}

type CartOptions struct {
	TTL             time.Duration
	DefaultCurrency string
	Now             func() time.Time
}

type CartManager struct {
	repo     repository.CartRepository
	cache    cache.CartCache
	catalog  repository.CatalogRepository
	rates    Converter
	locker   Locker
	notifier ReminderNotifier
	log      *slog.Logger

	ttl      time.Duration
	currency string
	now      func() time.Time
	sfg      singleflight.Group // Prevents cache stampede
}

func NewCartManager(
	repo repository.CartRepository,
	cartCache cache.CartCache,
	catalog repository.CatalogRepository,
	rates Converter,
	locker Locker,
	notifier ReminderNotifier,
	log *slog.Logger,
	opts CartOptions,
) *CartManager {
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultCartTTL
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CartManager{
		repo:     repo,
		cache:    cartCache,
		catalog:  catalog,
		rates:    rates,
		locker:   locker,
		notifier: notifier,
		log:      log,
		ttl:      opts.TTL,
		currency: domain.NormalizeCurrency(opts.DefaultCurrency),
		now:      opts.Now,
	}
}

// GetOrCreate returns the single active cart for id, creating one when there is none. An expired
// cart is discarded and replaced.
func (m *CartManager) GetOrCreate(ctx context.Context, id domain.Identity) (*domain.CartSession, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cart, err := m.repo.FindActive(ctx, id)
		switch {
		case err == nil && !cart.IsExpired(m.now()):
			return cart, nil
		case err == nil:
			if err := m.discardExpired(ctx, cart); err != nil {
				return nil, err
			}
		case !errors.Is(err, repository.ErrCartNotFound):
			return nil, err
		}

		cart = m.newCart(id)
		err = m.repo.Insert(ctx, cart)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, repository.ErrDuplicateCart) {
			return nil, err
		}
		// someone created it concurrently, read theirs
	}
	return nil, fmt.Errorf("get or create cart %s: %w", id, repository.ErrVersionConflict)
}

// Get is the explicit lookup behind GET /cart. It reads through the cache and reports NotFound when
// the identity has no live cart.
func (m *CartManager) Get(ctx context.Context, id domain.Identity) (*domain.CartSession, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	v, err, _ := m.sfg.Do(id.String(), func() (interface{}, error) {
		cart, err := m.cache.Get(ctx, id)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.log.WarnContext(ctx, "cache get failed", "identity", id.String(), "error", err)
		}

		// Read before the store so a concurrent invalidation turns the fill into a no-op.
		gen, genErr := m.cache.Generation(ctx, id)
		if genErr != nil {
			m.log.WarnContext(ctx, "cache generation read failed", "identity", id.String(), "error", genErr)
		}

		cart, err = m.repo.FindActive(ctx, id)
		if err != nil {
			return nil, err
		}
		if cart.IsExpired(m.now()) {
			return nil, repository.ErrCartNotFound
		}

		if genErr == nil {
			go func(c *domain.CartSession) {
				setCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				err := m.cache.Set(setCtx, c, gen)
				switch {
				case errors.Is(err, cache.ErrSuperseded):
					m.log.Debug("cache fill skipped, cart changed meanwhile", "identity", id.String(), "version", c.Version)
				case err != nil:
					m.log.Warn("cache set failed", "identity", id.String(), "error", err)
				}
			}(cart)
		}

		return cart, nil
	})
	if err != nil {
		return nil, err
	}

	cart := v.(*domain.CartSession)
	if cart.IsExpired(m.now()) {
		return nil, repository.ErrCartNotFound
	}
	return cart, nil
}

// AddItem snapshots ref from the catalog, converted into the cart currency, or bumps the quantity of
// an existing line. The snapshot price of an existing line is kept.
func (m *CartManager) AddItem(ctx context.Context, id domain.Identity, ref string, quantity int) (*domain.CartSession, error) {
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)

	return m.mutate(ctx, id, func(cart *domain.CartSession) error {
		if idx := cart.FindItem(ref); idx >= 0 {
			next := cart.Items[idx].Quantity + quantity
			if next > domain.MaxItemQuantity {
				return domain.Validationf("quantity of %s would exceed %d", ref, domain.MaxItemQuantity)
			}
			cart.Items[idx].Quantity = next
			return nil
		}

		item, err := m.snapshotItem(ctx, ref, cart.Currency)
		if err != nil {
			return err
		}
		item.Quantity = quantity
		cart.Items = append(cart.Items, item)
		return nil
	})
}

// UpdateItem sets the quantity of an existing line. Zero removes it.
func (m *CartManager) UpdateItem(ctx context.Context, id domain.Identity, ref string, quantity int) (*domain.CartSession, error) {
	if quantity == 0 {
		return m.RemoveItem(ctx, id, ref)
	}
	if err := validateQuantity(quantity); err != nil {
		return nil, err
	}

	return m.mutate(ctx, id, func(cart *domain.CartSession) error {
		idx := cart.FindItem(ref)
		if idx < 0 {
			return ErrCartItemNotFound
		}
		cart.Items[idx].Quantity = quantity
		return nil
	})
}

func (m *CartManager) RemoveItem(ctx context.Context, id domain.Identity, ref string) (*domain.CartSession, error) {
	return m.mutate(ctx, id, func(cart *domain.CartSession) error {
		idx := cart.FindItem(ref)
		if idx < 0 {
			return ErrCartItemNotFound
		}
		cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
		return nil
	})
}

type SyncItem struct {
	ItemRef  string `json:"itemRef"`
	Quantity int    `json:"quantity"`
}

// SyncRequest is a client's full view of its cart. Total is advisory only.
type SyncRequest struct {
	Items    []SyncItem
	Total    int64
	Currency string
}

// Sync replaces the cart lines with the client's list. Refs already in the cart keep their price
// snapshot; new refs are priced from the catalog; the total is always recomputed here.
func (m *CartManager) Sync(ctx context.Context, id domain.Identity, req SyncRequest) (*domain.CartSession, error) {
	seen := make(map[string]bool, len(req.Items))
	for _, it := range req.Items {
		if strings.TrimSpace(it.ItemRef) == "" {
			return nil, domain.Validationf("item ref is required")
		}
		if seen[it.ItemRef] {
			return nil, domain.Validationf("duplicate item %s", it.ItemRef)
		}
		seen[it.ItemRef] = true
		if err := validateQuantity(it.Quantity); err != nil {
			return nil, err
		}
	}
	currency := domain.NormalizeCurrency(req.Currency)
	if currency != "" && !domain.ValidCurrency(currency) {
		return nil, domain.Validationf("unsupported currency %q", req.Currency)
	}

	cart, err := m.mutate(ctx, id, func(cart *domain.CartSession) error {
		if currency != "" && currency != cart.Currency {
			if err := m.reprice(ctx, cart, currency); err != nil {
				return err
			}
		}

		items := make([]domain.CartItem, 0, len(req.Items))
		for _, it := range req.Items {
			if idx := cart.FindItem(it.ItemRef); idx >= 0 {
				line := cart.Items[idx]
				line.Quantity = it.Quantity
				items = append(items, line)
				continue
			}
			line, err := m.snapshotItem(ctx, it.ItemRef, cart.Currency)
			if err != nil {
				return err
			}
			line.Quantity = it.Quantity
			items = append(items, line)
		}
		cart.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req.Total != 0 && req.Total != cart.Total {
		m.log.InfoContext(ctx, "client cart total differs from recomputed total",
			"cart_id", cart.ID, "client_total", req.Total, "total", cart.Total, "currency", cart.Currency)
	}
	return cart, nil
}

// Merge folds the anonymous cart of sessionID into the cart of userID on login. It runs under a
// per-user lock so concurrent logins of the same user apply one merge at a time.
func (m *CartManager) Merge(ctx context.Context, sessionID, userID string) (*domain.CartSession, error) {
	anonID, userIdentity := domain.SessionIdentity(sessionID), domain.UserIdentity(userID)
	if err := anonID.Validate(); err != nil {
		return nil, err
	}
	if err := userIdentity.Validate(); err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, "cart-merge:"+userIdentity.String())
	if err != nil {
		return nil, fmt.Errorf("merge lock: %w", err)
	}
	defer unlock()
	defer m.invalidate(ctx, anonID)
	defer m.invalidate(ctx, userIdentity)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cart, err := m.mergeOnce(ctx, anonID, userIdentity)
		if errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, repository.ErrDuplicateCart) {
			continue
		}
		return cart, err
	}
	return nil, fmt.Errorf("merge %s into %s: %w", anonID, userIdentity, repository.ErrVersionConflict)
}

func (m *CartManager) mergeOnce(ctx context.Context, anonID, userID domain.Identity) (*domain.CartSession, error) {
	anon, err := m.liveCart(ctx, anonID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return m.GetOrCreate(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	userCart, err := m.liveCart(ctx, userID)
	if errors.Is(err, repository.ErrCartNotFound) {
		// re-key: the anonymous cart becomes the user's cart
		version := anon.Version
		anon.SessionID = ""
		anon.UserID = userID.UserID
		anon.Touch(m.now(), m.ttl)
		if err := m.repo.Replace(ctx, anon, version); err != nil {
			return nil, err
		}
		m.log.InfoContext(ctx, "anonymous cart re-keyed", "cart_id", anon.ID, "user_id", userID.UserID)
		return anon, nil
	}
	if err != nil {
		return nil, err
	}

	if len(anon.Items) == 0 {
		if err := m.repo.Delete(ctx, anon.ID, anon.Version); err != nil {
			return nil, err
		}
		return userCart, nil
	}

	userVersion := userCart.Version
	incoming := make([]domain.CartItem, 0, len(anon.Items))
	for _, it := range anon.Items {
		converted, err := m.inCurrency(ctx, it, userCart.Currency)
		if err != nil {
			return nil, err
		}
		incoming = append(incoming, converted)
	}
	userCart.MergeItems(incoming)
	for i := range userCart.Items {
		if userCart.Items[i].Quantity > domain.MaxItemQuantity {
			userCart.Items[i].Quantity = domain.MaxItemQuantity
		}
	}
	if err := m.recompute(ctx, userCart); err != nil {
		return nil, err
	}
	userCart.Touch(m.now(), m.ttl)

	if err := m.repo.Delete(ctx, anon.ID, anon.Version); err != nil {
		return nil, err
	}
	if err := m.repo.Replace(ctx, userCart, userVersion); err != nil {
		if restoreErr := m.repo.Insert(ctx, anon); restoreErr != nil {
			m.log.ErrorContext(ctx, "failed to restore anonymous cart after merge failure",
				"cart_id", anon.ID, "error", restoreErr)
		}
		return nil, err
	}

	m.log.InfoContext(ctx, "carts merged", "from_cart", anon.ID, "into_cart", userCart.ID, "items", len(userCart.Items))
	return userCart, nil
}

// Claim marks the cart converted for orderID. The returned cart is the version the order is built from.
func (m *CartManager) Claim(ctx context.Context, cartID, orderID string) (*domain.CartSession, error) {
	cart, err := m.repo.MarkConverted(ctx, cartID, orderID)
	if err != nil {
		return nil, err
	}
	m.invalidate(ctx, cart.Identity())
	return cart, nil
}

// Release undoes Claim after order creation failed.
func (m *CartManager) Release(ctx context.Context, cart *domain.CartSession, orderID string) error {
	defer m.invalidate(ctx, cart.Identity())
	return m.repo.ReleaseConversion(ctx, cart.ID, orderID)
}

func (m *CartManager) FindByID(ctx context.Context, cartID string) (*domain.CartSession, error) {
	return m.repo.FindByID(ctx, cartID)
}

type SweepResult struct {
	Found    int
	Notified int
	Skipped  int
	Failed   int
}

// SweepAbandoned sends one reminder for every idle non-empty cart older than threshold. A cart is
// flagged only after its reminder was handed off, so a failed one is retried on the next run.
func (m *CartManager) SweepAbandoned(ctx context.Context, threshold time.Duration, batch int) (SweepResult, error) {
	var res SweepResult
	now := m.now()

	carts, err := m.repo.FindAbandoned(ctx, now.Add(-threshold), batch)
	if err != nil {
		return res, err
	}
	res.Found = len(carts)

	for _, cart := range carts {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := m.notifier.NotifyAbandoned(ctx, cart); err != nil {
			res.Failed++
			m.log.WarnContext(ctx, "abandoned cart reminder failed", "cart_id", cart.ID, "error", err)
			continue
		}

		marked, err := m.repo.MarkReminderSent(ctx, cart.ID, cart.Version, now)
		switch {
		case err != nil:
			res.Failed++
			m.log.WarnContext(ctx, "failed to flag reminder", "cart_id", cart.ID, "error", err)
		case !marked:
			res.Skipped++
		default:
			res.Notified++
			m.invalidate(ctx, cart.Identity())
		}
	}
	return res, nil
}

func (m *CartManager) DeleteExpired(ctx context.Context) (int64, error) {
	return m.repo.DeleteExpired(ctx, m.now())
}

// mutate applies fn to the live cart and writes it back conditionally, re-reading on conflicts.
func (m *CartManager) mutate(ctx context.Context, id domain.Identity, fn func(*domain.CartSession) error) (*domain.CartSession, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cart, err := m.GetOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		version := cart.Version

		if err := fn(cart); err != nil {
			return nil, err
		}
		if err := m.recompute(ctx, cart); err != nil {
			return nil, err
		}
		cart.Touch(m.now(), m.ttl)

		err = m.repo.Replace(ctx, cart, version)
		if errors.Is(err, repository.ErrVersionConflict) {
			m.log.DebugContext(ctx, "cart write conflict, retrying", "cart_id", cart.ID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}

		m.invalidate(ctx, id)
		return cart, nil
	}
	return nil, fmt.Errorf("update cart %s: %w", id, repository.ErrVersionConflict)
}

// recompute sets Total from the line snapshots, converting only lines in another currency.
func (m *CartManager) recompute(ctx context.Context, cart *domain.CartSession) error {
	var total int64
	for _, it := range cart.Items {
		sub := it.Subtotal()
		if it.Currency != cart.Currency {
			converted, err := m.rates.Convert(ctx, sub, it.Currency, cart.Currency)
			if err != nil {
				return fmt.Errorf("price %s: %w", it.ItemRef, err)
			}
			sub = converted
		}
		total += sub
	}
	cart.Total = total
	return nil
}

// reprice moves every line snapshot into currency.
func (m *CartManager) reprice(ctx context.Context, cart *domain.CartSession, currency string) error {
	for i, it := range cart.Items {
		converted, err := m.inCurrency(ctx, it, currency)
		if err != nil {
			return err
		}
		cart.Items[i] = converted
	}
	cart.Currency = currency
	return nil
}

func (m *CartManager) inCurrency(ctx context.Context, it domain.CartItem, currency string) (domain.CartItem, error) {
	if it.Currency == currency {
		return it, nil
	}
	price, err := m.rates.Convert(ctx, it.UnitPrice, it.Currency, currency)
	if err != nil {
		return it, fmt.Errorf("price %s: %w", it.ItemRef, err)
	}
	it.UnitPrice = price
	it.Currency = currency
	return it, nil
}

func (m *CartManager) snapshotItem(ctx context.Context, ref, currency string) (domain.CartItem, error) {
	item, err := m.catalog.GetItem(ctx, ref)
	if err != nil {
		return domain.CartItem{}, err
	}
	if !item.Active {
		return domain.CartItem{}, repository.ErrCatalogItemNotFound
	}

	line := domain.CartItem{
		ItemRef:   item.Ref,
		ItemType:  item.Type,
		Name:      item.Name,
		UnitPrice: item.Price,
		Currency:  domain.NormalizeCurrency(item.Currency),
		AddedAt:   m.now(),
	}
	return m.inCurrency(ctx, line, currency)
}

func (m *CartManager) liveCart(ctx context.Context, id domain.Identity) (*domain.CartSession, error) {
	cart, err := m.repo.FindActive(ctx, id)
	if err != nil {
		return nil, err
	}
	if cart.IsExpired(m.now()) {
		if err := m.discardExpired(ctx, cart); err != nil {
			return nil, err
		}
		return nil, repository.ErrCartNotFound
	}
	return cart, nil
}

func (m *CartManager) discardExpired(ctx context.Context, cart *domain.CartSession) error {
	err := m.repo.Delete(ctx, cart.ID, cart.Version)
	if err != nil && !errors.Is(err, repository.ErrVersionConflict) {
		return err
	}
	m.invalidate(ctx, cart.Identity())
	return nil
}

func (m *CartManager) newCart(id domain.Identity) *domain.CartSession {
	now := m.now()
	return &domain.CartSession{
		ID:        uuid.NewString(),
		SessionID: id.SessionID,
		UserID:    id.UserID,
		Items:     []domain.CartItem{},
		Currency:  m.currency,
		ExpiresAt: now.Add(m.ttl),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *CartManager) invalidate(ctx context.Context, id domain.Identity) {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := m.cache.Delete(delCtx, id); err != nil {
		m.log.WarnContext(ctx, "cache invalidate failed", "identity", id.String(), "error", err)
	}
}

func validateQuantity(q int) error {
	if q < 1 || q > domain.MaxItemQuantity {
		return domain.Validationf("quantity must be between 1 and %d", domain.MaxItemQuantity)
	}
	return nil
}
