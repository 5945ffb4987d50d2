package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockManager arbitrates leader-only tasks. Acquire returns true when the
// owner holds the lock for the coming lease window. The lock is sticky: the
// current holder re-acquires its own lock and extends the lease, so
// leadership only migrates after the leader stops renewing.
type LockManager interface {
	Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error)
}

// MemoryLockManager arbitrates within one process. Tests share one across
// several schedulers to stand in for a cluster.
type MemoryLockManager struct {
	mu    sync.Mutex
	locks map[string]memoryLease
}

type memoryLease struct {
	owner   string
	expires time.Time
}

func NewMemoryLockManager() *MemoryLockManager {
	return &MemoryLockManager{locks: make(map[string]memoryLease)}
}

func (m *MemoryLockManager) Acquire(_ context.Context, key, owner string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if entry, ok := m.locks[key]; ok && entry.owner != owner && now.Before(entry.expires) {
		return false, nil
	}
	m.locks[key] = memoryLease{owner: owner, expires: now.Add(lease)}
	return true, nil
}

// RedisLockManager arbitrates across instances with SET NX PX. The value is
// the owner id so a holder can recognise its own lock and extend it.
type RedisLockManager struct {
	client *redis.Client
}

func NewRedisLockManager(client *redis.Client) *RedisLockManager {
	return &RedisLockManager{client: client}
}

func lockKey(key string) string { return "lock:" + key }

func (m *RedisLockManager) Acquire(ctx context.Context, key, owner string, lease time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, lockKey(key), owner, lease).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	val, err := m.client.Get(ctx, lockKey(key)).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; next tick will take it.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect lock %s: %w", key, err)
	}
	if val != owner {
		return false, nil
	}

	// Our lock from the previous tick; extend the lease.
	if err := m.client.PExpire(ctx, lockKey(key), lease).Err(); err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}
	return true, nil
}
