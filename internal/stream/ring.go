// Package stream hosts the long-lived WebSocket kline collectors and their
// per-(symbol, interval) circular bar caches.
package stream

import "time"

// Bar is a closed candle in wire shape: epoch-millisecond instants and
// float OHLCV. Bars are immutable once recorded; only closed bars are ever
// stored.
type Bar struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

// Ring is a fixed-capacity ordered bar buffer. Bars stay strictly increasing
// in OpenTime: newer bars append (evicting the oldest once full), a repeated
// OpenTime overwrites in place so replays after reconnect are idempotent,
// and bars older than the newest entry are dropped.
//
// Ring is not goroutine-safe; the owning collector serializes access.
type Ring struct {
	capacity int
	bars     []Bar
}

// NewRing creates a ring holding at most capacity bars.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{capacity: capacity}
}

// Push records a closed bar, keeping the buffer ordered and bounded.
func (r *Ring) Push(bar Bar) {
	n := len(r.bars)
	if n > 0 {
		last := r.bars[n-1].OpenTime
		if bar.OpenTime == last {
			r.bars[n-1] = bar
			return
		}
		if bar.OpenTime < last {
			// Late replay of an already-evicted or mid-buffer bar. Overwrite
			// an exact match, otherwise drop to preserve ordering.
			for i := n - 2; i >= 0; i-- {
				if r.bars[i].OpenTime == bar.OpenTime {
					r.bars[i] = bar
					return
				}
				if r.bars[i].OpenTime < bar.OpenTime {
					break
				}
			}
			return
		}
	}

	r.bars = append(r.bars, bar)
	if len(r.bars) > r.capacity {
		r.bars = r.bars[len(r.bars)-r.capacity:]
	}
}

// LastN returns a copy of the most recent n bars, oldest first.
func (r *Ring) LastN(n int) []Bar {
	if n <= 0 || len(r.bars) == 0 {
		return nil
	}
	if n > len(r.bars) {
		n = len(r.bars)
	}
	out := make([]Bar, n)
	copy(out, r.bars[len(r.bars)-n:])
	return out
}

// Len returns the number of cached bars.
func (r *Ring) Len() int {
	return len(r.bars)
}

// LastAge returns the age of the newest bar's close relative to now.
// ok is false when the ring is empty.
func (r *Ring) LastAge(now time.Time) (time.Duration, bool) {
	if len(r.bars) == 0 {
		return 0, false
	}
	last := r.bars[len(r.bars)-1]
	ref := last.CloseTime
	if ref == 0 {
		ref = last.OpenTime
	}
	return now.Sub(time.UnixMilli(ref)), true
}
