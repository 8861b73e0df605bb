package binance

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"perpfeed/internal/market"
)

// FilterCache memoizes the exchange-filter table process-wide. Within the
// TTL every call returns the memoized table without a network hop; when the
// memo expires, concurrent callers share a single in-flight refresh instead
// of issuing duplicate upstream calls. A refresh failure is surfaced as is:
// there is no stale fallback, callers must treat it as fatal for universe
// construction.
type FilterCache struct {
	client *Client
	ttl    time.Duration
	clock  func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	filters   market.ExchangeFilters
	fetchedAt time.Time
}

// NewFilterCache creates a cache refreshing at most once per ttl.
func NewFilterCache(client *Client, ttl time.Duration) *FilterCache {
	return &FilterCache{
		client: client,
		ttl:    ttl,
		clock:  time.Now,
	}
}

// Get returns the filter table, fetching it if the memo is cold or expired.
func (fc *FilterCache) Get(ctx context.Context) (market.ExchangeFilters, error) {
	fc.mu.RLock()
	if fc.filters != nil && fc.clock().Sub(fc.fetchedAt) < fc.ttl {
		filters := fc.filters
		fc.mu.RUnlock()
		return filters, nil
	}
	fc.mu.RUnlock()

	v, err, _ := fc.group.Do("exchange_filters", func() (interface{}, error) {
		filters, err := fc.client.exchangeFilters(ctx)
		if err != nil {
			return nil, err
		}

		fc.mu.Lock()
		fc.filters = filters
		fc.fetchedAt = fc.clock()
		fc.mu.Unlock()

		return filters, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(market.ExchangeFilters), nil
}
