package compliance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "compliance:status:"

// Cache is a Redis read-through cache for derived compliance statuses.
// All methods degrade to no-ops when Redis is unavailable.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns a cached status if present.
func (c *Cache) Get(ctx context.Context, teamID uuid.UUID) (Status, bool) {
	if c == nil || c.client == nil {
		return Status{}, false
	}
	raw, err := c.client.Get(ctx, statusKeyPrefix+teamID.String()).Bytes()
	if err != nil {
		return Status{}, false
	}
	var status Status
	if err := json.Unmarshal(raw, &status); err != nil {
		return Status{}, false
	}
	return status, true
}

// Set stores a status with the configured TTL.
func (c *Cache) Set(ctx context.Context, status Status) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, statusKeyPrefix+status.TeamID.String(), raw, c.ttl).Err()
}

// Invalidate drops the cached status after a recompute.
func (c *Cache) Invalidate(ctx context.Context, teamID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, statusKeyPrefix+teamID.String()).Err()
}
