// Package webhook provides delivery deduplication for gateway webhook
// events. Gateways retry deliveries aggressively; a session must only
// transition once per event id.
package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// DedupStore answers whether this process (or the cluster) has already
// handled a given event delivery.
type DedupStore interface {
	// MarkProcessed claims the event id. first is true exactly once per
	// (gateway, event id) within the retention window.
	MarkProcessed(ctx context.Context, gw gateway.Type, eventID string) (first bool, err error)
	// Release drops a claim, so a delivery whose processing failed after
	// claiming can be retried instead of being swallowed as a duplicate.
	Release(ctx context.Context, gw gateway.Type, eventID string) error
}

// RedisDedup claims event ids cluster-wide with SETNX plus a TTL, so
// replicas never double-process and keys expire on their own.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

const defaultDedupTTL = 72 * time.Hour

// NewRedisDedup wraps a redis client. ttl <= 0 uses the default 72h,
// comfortably past any gateway's retry horizon.
func NewRedisDedup(client *redis.Client, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &RedisDedup{client: client, ttl: ttl}
}

func dedupKey(gw gateway.Type, eventID string) string {
	return fmt.Sprintf("webhook:seen:%s:%s", gw, eventID)
}

func (r *RedisDedup) MarkProcessed(ctx context.Context, gw gateway.Type, eventID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, dedupKey(gw, eventID), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisDedup) Release(ctx context.Context, gw gateway.Type, eventID string) error {
	if err := r.client.Del(ctx, dedupKey(gw, eventID)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

// MemoryDedup is the single-process fallback for tests and local runs.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDedup creates an empty in-memory dedup store.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]struct{})}
}

func (m *MemoryDedup) MarkProcessed(ctx context.Context, gw gateway.Type, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dedupKey(gw, eventID)
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

func (m *MemoryDedup) Release(ctx context.Context, gw gateway.Type, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, dedupKey(gw, eventID))
	return nil
}
