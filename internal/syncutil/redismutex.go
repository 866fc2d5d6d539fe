package syncutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockLost is logged when a release finds the lease held by someone else,
// which means the TTL ran out while the holder was still working.
var ErrLockLost = errors.New("syncutil: lock lease expired before release")

// releaseScript deletes the lock only when it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisMutex is a Locker shared by every replica talking to the same Redis.
// Each hold is a SET NX PX lease; release is token-checked so a holder whose
// lease expired cannot delete a successor's lock.
type RedisMutex struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	retry   time.Duration
	onError func(name string, err error)
}

// RedisOption configures a RedisMutex.
type RedisOption func(*RedisMutex)

// WithPrefix namespaces lock keys (default "phraseclaim:lock:").
func WithPrefix(prefix string) RedisOption {
	return func(m *RedisMutex) { m.prefix = prefix }
}

// WithTTL sets the lease length (default 10s).
func WithTTL(ttl time.Duration) RedisOption {
	return func(m *RedisMutex) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithRetryInterval sets the polling interval while waiting (default 25ms).
func WithRetryInterval(d time.Duration) RedisOption {
	return func(m *RedisMutex) {
		if d > 0 {
			m.retry = d
		}
	}
}

// WithReleaseErrorHandler receives failed or lost releases.
func WithReleaseErrorHandler(fn func(name string, err error)) RedisOption {
	return func(m *RedisMutex) { m.onError = fn }
}

// NewRedisMutex creates a Redis-backed locker.
func NewRedisMutex(client redis.UniversalClient, opts ...RedisOption) *RedisMutex {
	m := &RedisMutex{
		client:  client,
		prefix:  "phraseclaim:lock:",
		ttl:     10 * time.Second,
		retry:   25 * time.Millisecond,
		onError: func(string, error) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LockContext polls until the lease is acquired or ctx is done.
func (m *RedisMutex) LockContext(ctx context.Context, name string) (func(), error) {
	key := m.prefix + name
	token := uuid.NewString()

	ticker := time.NewTicker(m.retry)
	defer ticker.Stop()

	for {
		ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return func() { m.release(name, key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// release runs on its own context: the caller's may already be cancelled.
func (m *RedisMutex) release(name, key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, m.client, []string{key}, token).Int()
	switch {
	case err != nil:
		m.onError(name, fmt.Errorf("release lock %s: %w", name, err))
	case n == 0:
		m.onError(name, ErrLockLost)
	}
}

// Ping checks the Redis connection.
func (m *RedisMutex) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

var _ Locker = (*RedisMutex)(nil)
