package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/parimutuel-engine/internal/model"
)

// Locker serializes operations on one key (a round, or the config).
// Acquire returns an unlock function that is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// MemoryLocker is an in-process Locker. Acquire waits for the key until ctx
// is done.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", model.ErrLockHeld, key, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// unlockLua deletes a lock key only if its value matches the caller's
// token, so one holder never releases another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a distributed Locker using SETNX with a TTL and a
// Lua-based conditional unlock. Acquire fails fast with model.ErrLockHeld.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewRedisLocker creates a locker backed by rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, unlockSc: redis.NewScript(unlockLua)}
}

func lockKey(key string) string {
	return "lock:" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrLockHeld, key)
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context so unlock succeeds after the caller's
			// context is cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(ctx, l.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// RoundLockKey names the lock of one round.
func RoundLockKey(roundID uint64) string {
	return fmt.Sprintf("round:%d", roundID)
}

// ConfigLockKey names the lock of the config record.
const ConfigLockKey = "config"
