package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client     *redis.Client
	retryEvery time.Duration
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, retryEvery: 50 * time.Millisecond}
}

type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// TryAcquire makes one attempt. It returns ErrNotAcquired if someone else holds key.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ok, err := l.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lock{client: l.client, key: lockKey(key), token: token}, nil
}

// Acquire polls until the lock is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	ticker := time.NewTicker(l.retryEvery)
	defer ticker.Stop()
	for {
		lk, err := l.TryAcquire(ctx, key, ttl)
		if !errors.Is(err, ErrNotAcquired) {
			return lk, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Mutex is a blocking lock with a fixed lease, shaped like KeyedMutex.Lock so callers can use either.
type Mutex struct {
	locker *RedisLocker
	ttl    time.Duration
}

func (l *RedisLocker) Mutex(ttl time.Duration) *Mutex {
	return &Mutex{locker: l, ttl: ttl}
}

func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	lk, err := m.locker.Acquire(ctx, key, m.ttl)
	if err != nil {
		return nil, err
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = lk.Release(releaseCtx)
	}, nil
}

// Release is safe to call after the TTL ran out; it never deletes another holder's lock.
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.client, []string{lk.key}, lk.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

func lockKey(key string) string {
	return "lock:" + key
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
