package scheduler

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/roomcast/roomcast/internal/v1/config"
)

// New builds the Scheduler selected by the SCHEDULER_BACKEND enum. The
// timer core is the same either way; the backend picks the lock manager
// that guards leader-only tasks.
func New(backend, instanceID string, client *redis.Client) (Scheduler, error) {
	switch backend {
	case config.BackendMemory:
		return NewTimerScheduler(instanceID, NewMemoryLockManager()), nil
	case config.BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("scheduler backend %q requires a redis client", backend)
		}
		return NewTimerScheduler(instanceID, NewRedisLockManager(client)), nil
	default:
		return nil, fmt.Errorf("unknown scheduler backend %q", backend)
	}
}
