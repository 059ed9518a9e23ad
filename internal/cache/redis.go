package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

var invalidateScript = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[1])
return 1
`)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client:  client,
		baseTTL: 15 * time.Minute,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

func (r *RedisCache) Get(ctx context.Context, id domain.Identity) (*domain.CartSession, error) {
	data, err := r.client.Get(ctx, cacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var cart domain.CartSession
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &cart, nil
}

func (r *RedisCache) Generation(ctx context.Context, id domain.Identity) (int64, error) {
	gen, err := r.client.Get(ctx, generationKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

// Set caches the cart, never past its own expiry, unless the identity was invalidated since
// generation was read.
func (r *RedisCache) Set(ctx context.Context, cart *domain.CartSession, generation int64) error {
	jsonCart, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	ttl := r.baseTTL + time.Duration(rand.Intn(5))*time.Minute
	if left := time.Until(cart.ExpiresAt); !cart.ExpiresAt.IsZero() && left < ttl {
		if left < time.Millisecond {
			return nil
		}
		ttl = left
	}

	id := cart.Identity()
	stored, err := fillScript.Run(ctx, r.client,
		[]string{cacheKey(id), generationKey(id)},
		strconv.FormatInt(generation, 10), jsonCart, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	if stored == 0 {
		return ErrSuperseded
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, id domain.Identity) error {
	keys := []string{cacheKey(id), generationKey(id)}
	if err := invalidateScript.Run(ctx, r.client, keys, (r.baseTTL + 5*time.Minute).Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(id domain.Identity) string {
	return fmt.Sprintf("cart:%s", id.String())
}

func generationKey(id domain.Identity) string {
	return fmt.Sprintf("cart-gen:%s", id.String())
}
