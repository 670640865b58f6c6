package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tollgate/tollgate/internal/models"
)

// KV is the minimal key/value contract the gateway cache needs. RedisClient
// satisfies it; tests use an in-memory fake.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// negativeSentinel marks hosts known not to resolve to an active gateway.
const negativeSentinel = "!"

// GatewayCache caches host -> gateway resolutions. Keys are the full
// original host string so hits never re-derive the routing key. Entries are
// immutable snapshots: repopulation always replaces wholesale, which makes
// concurrent writes for the same host safe to race.
type GatewayCache struct {
	kv KV
}

// NewGatewayCache creates a new GatewayCache.
func NewGatewayCache(kv KV) *GatewayCache {
	return &GatewayCache{kv: kv}
}

func (c *GatewayCache) key(host string) string {
	return fmt.Sprintf("gw:host:%s", host)
}

// Get returns the cached gateway for a host. The second return reports a
// cached negative entry (host known not to resolve). Absent keys and
// unavailable cache service both surface as an error; callers fall back to
// the durable store.
func (c *GatewayCache) Get(ctx context.Context, host string) (*models.Gateway, bool, error) {
	raw, err := c.kv.Get(ctx, c.key(host))
	if err != nil {
		return nil, false, err
	}
	if raw == negativeSentinel {
		return nil, true, nil
	}
	var gw models.Gateway
	if err := json.Unmarshal([]byte(raw), &gw); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached gateway: %w", err)
	}
	return &gw, false, nil
}

// Set stores a gateway under the host key. Only active gateways belong in
// the cache; the directory enforces that before calling.
func (c *GatewayCache) Set(ctx context.Context, host string, gw *models.Gateway, ttl time.Duration) error {
	raw, err := json.Marshal(gw)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway: %w", err)
	}
	return c.kv.Set(ctx, c.key(host), string(raw), ttl)
}

// SetNegative remembers that a host does not resolve, shielding the durable
// store from scanner traffic. Short TTLs only.
func (c *GatewayCache) SetNegative(ctx context.Context, host string, ttl time.Duration) error {
	return c.kv.Set(ctx, c.key(host), negativeSentinel, ttl)
}

// Invalidate purges the cache entries for the given hosts. Called by the
// tenant-management collaborator's update hook.
func (c *GatewayCache) Invalidate(ctx context.Context, hosts ...string) error {
	if len(hosts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h != "" {
			keys = append(keys, c.key(h))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.kv.Delete(ctx, keys...)
}
