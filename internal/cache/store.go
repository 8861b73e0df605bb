// Package cache provides the short-TTL response stores used by the REST
// client: an in-memory store with expiry sweeping, and a Redis-backed store
// for deployments that share a cache across processes.
package cache

import (
	"context"
	"time"
)

// Store is the response-cache contract. Implementations must treat expired
// or missing keys as misses and must never return partially written values.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Stats reports hit/miss accounting for a store.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}
