package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Heartbeat records worker liveness in Redis so external monitoring can
// detect a stalled background task. All writes are best effort.
type Heartbeat struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewHeartbeat constructs a heartbeat recorder for the given key.
func NewHeartbeat(client *redis.Client, key string, ttl time.Duration) *Heartbeat {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Heartbeat{client: client, key: key, ttl: ttl}
}

// Record stores the current timestamp under the heartbeat key.
func (h *Heartbeat) Record(ctx context.Context) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	return h.client.Set(ctx, h.key, stamp, h.ttl).Err()
}
