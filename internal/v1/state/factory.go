package state

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/roomcast/roomcast/internal/v1/config"
)

// New builds the Store selected by the STATE_BACKEND enum. The Redis client
// is injected so one connection pool can serve state, broker, and scheduler.
func New(backend string, client *redis.Client) (Store, error) {
	switch backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("state backend %q requires a redis client", backend)
		}
		return NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
