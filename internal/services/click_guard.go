package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/example/stablepay/internal/cache"
)

const checkoutLockPrefix = "checkout:lock:"

// LockStore holds short-lived per-client checkout locks.
type LockStore interface {
	// TryLock stamps the lock for key and returns true when no lock younger
	// than ttl exists.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryLockStore keeps locks in process memory. Suitable for a single
// instance and for tests.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

// NewMemoryLockStore creates an empty MemoryLockStore.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]time.Time), now: time.Now}
}

// TryLock implements LockStore.
func (m *MemoryLockStore) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if stamped, ok := m.locks[key]; ok && now.Sub(stamped) < ttl {
		return false, nil
	}
	m.locks[key] = now

	for k, stamped := range m.locks {
		if now.Sub(stamped) >= ttl {
			delete(m.locks, k)
		}
	}
	return true, nil
}

// RedisLockStore shares locks across instances through SET NX PX.
type RedisLockStore struct {
	client *cache.Client
}

// NewRedisLockStore wraps a redis client.
func NewRedisLockStore(client *cache.Client) *RedisLockStore {
	return &RedisLockStore{client: client}
}

// TryLock implements LockStore.
func (r *RedisLockStore) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, checkoutLockPrefix+key, strconv.FormatInt(time.Now().UnixMilli(), 10), ttl)
}

// ClickGuard suppresses rapid repeated checkout submissions per client.
type ClickGuard struct {
	store  LockStore
	window time.Duration
}

// NewClickGuard creates a guard over store. A non-positive window falls back to 5s.
func NewClickGuard(store LockStore, window time.Duration) *ClickGuard {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &ClickGuard{store: store, window: window}
}

// Acquire returns true when the client holds no lock younger than the window,
// and stamps a new one.
func (g *ClickGuard) Acquire(ctx context.Context, clientKey string) (bool, error) {
	return g.store.TryLock(ctx, clientKey, g.window)
}
