package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
)

// ClaimTable arbitrates upload ownership between worker replicas. A
// claim is exclusive until it is released or its lease expires, so a
// crashed worker's uploads become claimable again without operator
// action.
type ClaimTable interface {
	// Claim attempts to take key for ttl. It returns false when another
	// holder's lease is still live.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops the claim immediately.
	Release(ctx context.Context, key string) error
}

// MemoryClaims is the single-replica claim table used when no Redis
// address is configured.
type MemoryClaims struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryClaims builds an empty in-process claim table.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{
		leases: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Claim implements ClaimTable. An expired lease is stolen in place.
func (c *MemoryClaims) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.leases[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.leases[key] = now.Add(ttl)
	return true, nil
}

// Release implements ClaimTable.
func (c *MemoryClaims) Release(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.leases, key)
	c.mu.Unlock()
	return nil
}

// claimKeyPrefix namespaces claim keys in a shared Redis.
const claimKeyPrefix = "mesh:claim:"

// RedisClaims coordinates claims across replicas with SET NX EX. The
// value records the holder for diagnostics only; expiry is enforced by
// Redis.
type RedisClaims struct {
	client *redis.Client
	holder string
}

// NewRedisClaims wraps an existing client. holder identifies this
// replica in claim values.
func NewRedisClaims(client *redis.Client, holder string) *RedisClaims {
	return &RedisClaims{client: client, holder: holder}
}

// Claim implements ClaimTable.
func (c *RedisClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, claimKeyPrefix+key, c.holder, ttl).Result()
	if err != nil {
		return false, faults.Wrap(faults.KindRetryableTransport, "claim "+key, err)
	}
	return ok, nil
}

// Release implements ClaimTable.
func (c *RedisClaims) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, claimKeyPrefix+key).Err(); err != nil {
		return faults.Wrap(faults.KindRetryableTransport, "release "+key, err)
	}
	return nil
}
