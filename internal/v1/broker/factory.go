package broker

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/roomcast/roomcast/internal/v1/config"
)

// New builds the Broker selected by the BROKER_BACKEND enum.
func New(backend string, client *redis.Client, natsURL string, policy PublishPolicy) (Broker, error) {
	switch backend {
	case config.BackendMemory:
		return NewMemoryBroker(policy), nil
	case config.BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("broker backend %q requires a redis client", backend)
		}
		return NewRedisBroker(client, policy), nil
	case config.BackendNATS:
		if natsURL == "" {
			return nil, fmt.Errorf("broker backend %q requires NATS_URL", backend)
		}
		return NewNATSBroker(natsURL, policy)
	default:
		return nil, fmt.Errorf("unknown broker backend %q", backend)
	}
}
