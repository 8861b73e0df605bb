package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLStoreSetGet(t *testing.T) {
	s := NewTTLStore(10)
	defer s.Stop()

	ctx := context.Background()
	s.Set(ctx, "k", []byte("v"), time.Minute)

	got, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok = s.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestTTLStoreExpiration(t *testing.T) {
	s := NewTTLStore(10)
	defer s.Stop()

	now := time.Now()
	s.clock = func() time.Time { return now }

	ctx := context.Background()
	s.Set(ctx, "k", []byte("v"), 30*time.Second)

	_, ok := s.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTTLStoreEvictsLRUWhenFull(t *testing.T) {
	s := NewTTLStore(3)
	defer s.Stop()

	now := time.Now()
	s.clock = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
		now = now.Add(time.Second)
	}

	// Touch k0 so k1 becomes the LRU entry.
	_, ok := s.Get(ctx, "k0")
	require.True(t, ok)
	now = now.Add(time.Second)

	s.Set(ctx, "k3", []byte("v"), time.Minute)

	_, ok = s.Get(ctx, "k1")
	assert.False(t, ok)
	_, ok = s.Get(ctx, "k0")
	assert.True(t, ok)
	_, ok = s.Get(ctx, "k3")
	assert.True(t, ok)

	assert.Equal(t, int64(1), s.Stats().Evictions)
}

func TestTTLStoreStats(t *testing.T) {
	s := NewTTLStore(10)
	defer s.Stop()

	ctx := context.Background()
	s.Set(ctx, "k", []byte("v"), time.Minute)
	s.Get(ctx, "k")
	s.Get(ctx, "nope")

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestTTLStoreStopIsIdempotent(t *testing.T) {
	s := NewTTLStore(10)
	s.Stop()
	s.Stop()
}
