package binance

import (
	"context"
	"sort"
	"strings"
)

// Strategy selects the universe ranking.
type Strategy string

const (
	// StrategyVolume ranks by descending 24h quote volume.
	StrategyVolume Strategy = "volume"
	// StrategyGainers ranks by descending 24h percentage change.
	StrategyGainers Strategy = "gainers"
)

// ParseStrategy maps user input to a strategy, defaulting to volume.
func ParseStrategy(s string) Strategy {
	if strings.EqualFold(s, string(StrategyGainers)) {
		return StrategyGainers
	}
	return StrategyVolume
}

// UniverseSelector ranks USDT-quoted symbols off the 24h ticker table and
// returns a bounded top-N list. Intersecting with tradable filters and
// excluding the core pair is the caller's job.
type UniverseSelector struct {
	client *Client
}

// NewUniverseSelector creates a selector over the given REST client.
func NewUniverseSelector(client *Client) *UniverseSelector {
	return &UniverseSelector{client: client}
}

// TopN returns the n best symbols for the strategy, deduplicated, ties
// broken by ascending symbol name for determinism.
func (s *UniverseSelector) TopN(ctx context.Context, n int, strategy Strategy) ([]string, error) {
	tickers, err := s.client.Ticker24h(ctx)
	if err != nil {
		return nil, err
	}

	usdt := make([]Ticker, 0, len(tickers))
	for _, t := range tickers {
		if strings.HasSuffix(t.Symbol, "USDT") {
			usdt = append(usdt, t)
		}
	}

	metric := func(t Ticker) float64 { return t.QuoteVolume }
	if strategy == StrategyGainers {
		metric = func(t Ticker) float64 { return t.PriceChangePercent }
	}

	sort.SliceStable(usdt, func(i, j int) bool {
		mi, mj := metric(usdt[i]), metric(usdt[j])
		if mi != mj {
			return mi > mj
		}
		return usdt[i].Symbol < usdt[j].Symbol
	})

	seen := make(map[string]struct{}, len(usdt))
	out := make([]string, 0, n)
	for _, t := range usdt {
		if _, dup := seen[t.Symbol]; dup {
			continue
		}
		seen[t.Symbol] = struct{}{}
		out = append(out, t.Symbol)
		if len(out) == n {
			break
		}
	}

	return out, nil
}
