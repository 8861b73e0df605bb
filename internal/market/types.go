// Package market defines the domain types shared by the acquisition layer:
// klines, exchange filters, universe items, and the assembled raw snapshot.
package market

import "time"

// Supported kline intervals. The core pair tracks all three; alt symbols
// track only the 1h interval.
const (
	IntervalH4  = "4h"
	IntervalH1  = "1h"
	IntervalM15 = "15m"
)

// IntervalKey maps a wire interval to its snapshot field key (H4/H1/M15).
// Unknown intervals map to "".
func IntervalKey(interval string) string {
	switch interval {
	case IntervalH4:
		return "H4"
	case IntervalH1:
		return "H1"
	case IntervalM15:
		return "M15"
	default:
		return ""
	}
}

// Kline is a single closed candle. Prices and volume are finite floats;
// times are absolute instants serialized as RFC3339.
type Kline struct {
	OpenTime  time.Time `json:"openTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"closeTime"`
}

// KlineSet groups the per-interval candle series for one symbol.
type KlineSet struct {
	H4  []Kline `json:"H4,omitempty"`
	H1  []Kline `json:"H1,omitempty"`
	M15 []Kline `json:"M15,omitempty"`
}

// SymbolFilters holds the trading constraints for one perpetual contract.
// All values are positive; entries with missing or non-positive fields are
// never constructed.
type SymbolFilters struct {
	TickSize    float64 `json:"tickSize"`
	StepSize    float64 `json:"stepSize"`
	MinQty      float64 `json:"minQty"`
	MinNotional float64 `json:"minNotional"`
}

// ExchangeFilters maps tradable symbols to their filter constraints.
type ExchangeFilters map[string]SymbolFilters

// OIPoint is one historical open-interest observation. Reserved for future
// use; the acquisition core emits empty histories.
type OIPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// UniverseItem is the per-symbol payload for a selected alt symbol.
type UniverseItem struct {
	Symbol       string    `json:"symbol"`
	Klines       KlineSet  `json:"klines"`
	Funding      *float64  `json:"funding,omitempty"`
	OINow        *float64  `json:"oi_now,omitempty"`
	OIHist       []OIPoint `json:"oi_hist"`
	Depth1PctUSD *float64  `json:"depth1pct_usd,omitempty"`
	SpreadBps    *float64  `json:"spread_bps,omitempty"`
	Volume24hUSD *float64  `json:"volume24h_usd,omitempty"`
}

// CoreAsset carries the fixed-pair (BTC/ETH) kline sets and side data.
type CoreAsset struct {
	Klines  KlineSet  `json:"klines"`
	Funding *float64  `json:"funding,omitempty"`
	OINow   *float64  `json:"oi_now,omitempty"`
	OIHist  []OIPoint `json:"oi_hist,omitempty"`
}

// MarketRawSnapshot is the point-in-time structure handed to feature
// computation and decision logic. It is constructed fresh per request and
// never mutated after being returned.
type MarketRawSnapshot struct {
	Timestamp       time.Time       `json:"timestamp"`
	SnapshotID      string          `json:"snapshot_id"`
	DurationMS      int64           `json:"duration_ms,omitempty"`
	FeedsOK         bool            `json:"feeds_ok"`
	DataWarnings    []string        `json:"data_warnings"`
	BTC             *CoreAsset      `json:"btc,omitempty"`
	ETH             *CoreAsset      `json:"eth,omitempty"`
	Universe        []UniverseItem  `json:"universe"`
	ExchangeFilters ExchangeFilters `json:"exchange_filters"`
}
