package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// Both scripts act only while the key still holds the caller's token.
const (
	releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.Lock        = (*lock)(nil)
)

// LockManager hands out token-guarded locks built on SET NX PX.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
	extend  *redis.Script
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
		extend:  redis.NewScript(extendLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lock, error) {
	token := uuid.NewString()
	k := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}
	return &lock{lm: lm, key: k, token: token}, nil
}

type lock struct {
	lm       *LockManager
	key      string
	token    string
	mu       sync.Mutex
	released bool
}

func (l *lock) Extend(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return fmt.Errorf("redis: extend %s: %w", l.key, domain.ErrLockLost)
	}
	n, err := l.lm.extend.Run(ctx, l.lm.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: extend %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: extend %s: %w", l.key, domain.ErrLockLost)
	}
	return nil
}

// Release is safe to call more than once and succeeds even when ctx is
// already cancelled.
func (l *lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.lm.release.Run(ctx, l.lm.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", l.key, err)
	}
	return nil
}

// KeepAlive extends l every interval until ctx ends. It returns the first
// extension error, wrapping domain.ErrLockLost when another holder took over.
func KeepAlive(ctx context.Context, l domain.Lock, ttl, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := l.Extend(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
