// Package snapshot assembles the point-in-time market structure handed to
// downstream consumers: core-pair klines across three intervals, a ranked alt
// universe on the 1h interval, funding and open interest, and a freshness
// verdict.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"perpfeed/internal/binance"
	"perpfeed/internal/market"
	"perpfeed/internal/metrics"
	"perpfeed/internal/pool"
	"perpfeed/internal/stream"
)

// Core pair symbols. These always occupy the btc/eth snapshot slots and are
// excluded from the alt universe.
const (
	btcSymbol = "BTCUSDT"
	ethSymbol = "ETHUSDT"
)

// Mode scopes a side-data fetch to the core pair or the whole universe.
type Mode string

const (
	ModeCoreOnly Mode = "coreOnly"
	ModeAll      Mode = "all"
)

// ParseMode maps a config string to a Mode, defaulting to ModeAll.
func ParseMode(s string) Mode {
	if s == string(ModeCoreOnly) {
		return ModeCoreOnly
	}
	return ModeAll
}

// BarCache is the primary collector surface the assembler consumes: cached
// closed bars, backfill ingestion, and alt subscription steering.
type BarCache interface {
	GetBars(symbol, interval string, need int) []stream.Bar
	IngestClosed(symbol, interval string, bar stream.Bar)
	SetAltUniverse(symbols []string)
}

// H1Backfill is the dedicated alt-1h socket surface: last closed bars for
// warm-up and drop accounting.
type H1Backfill interface {
	UpdateAltSymbols(symbols []string)
	LastClosedH1(symbol string) (stream.Bar, bool)
	ReportBackfill(drops []string, count int)
}

// Config tunes one assembler instance.
type Config struct {
	TopN        int
	MinUniverse int
	Candles     int
	Concurrency int
	// GlobalDeadline bounds the whole Build call; partial results past it
	// surface as warnings or dropped symbols, not a hang.
	GlobalDeadline   time.Duration
	StaleThreshold   time.Duration
	MaxBytes         int
	FundingMode      Mode
	OpenInterestMode Mode
}

// Options are per-request overrides.
type Options struct {
	Strategy binance.Strategy
	TopN     int
}

// Assembler builds MarketRawSnapshot values. It is safe for concurrent use;
// all mutable state lives in the collectors and caches it composes.
type Assembler struct {
	rest     *binance.Client
	filters  *binance.FilterCache
	universe *binance.UniverseSelector
	bars     BarCache
	backfill H1Backfill
	cfg      Config
	reg      *metrics.Registry
	now      func() time.Time
}

// New wires an assembler over the REST client, filter cache, universe
// selector, and the two collectors.
func New(rest *binance.Client, filters *binance.FilterCache, universe *binance.UniverseSelector, bars BarCache, backfill H1Backfill, cfg Config, reg *metrics.Registry) *Assembler {
	if cfg.Candles <= 0 {
		cfg.Candles = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.GlobalDeadline <= 0 {
		cfg.GlobalDeadline = 8 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 15 * time.Minute
	}
	return &Assembler{
		rest:     rest,
		filters:  filters,
		universe: universe,
		bars:     bars,
		backfill: backfill,
		cfg:      cfg,
		reg:      reg,
		now:      time.Now,
	}
}

type klineResult struct {
	symbol   string
	interval string
	klines   []market.Kline
}

type sideResult struct {
	kind   string // funding | open_interest
	symbol string
	value  *float64
}

// Build assembles one snapshot under the global deadline. Exchange filters,
// universe ranking, and the ticker table are fatal; everything else degrades
// into warnings, dropped alt items, or a false feeds_ok.
func (a *Assembler) Build(ctx context.Context, opts Options) (*market.MarketRawSnapshot, error) {
	start := a.now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.GlobalDeadline)
	defer cancel()

	warnings := []string{}

	filters, err := a.filters.Get(ctx)
	if err != nil {
		a.reg.IncSnapshotError("exchange_filters")
		return nil, fmt.Errorf("exchange filters: %w", err)
	}

	topN := opts.TopN
	if topN <= 0 {
		topN = a.cfg.TopN
	}
	ranked, err := a.universe.TopN(ctx, topN, opts.Strategy)
	if err != nil {
		a.reg.IncSnapshotError("universe_rank")
		return nil, fmt.Errorf("rank universe: %w", err)
	}

	alts := excludeCore(ranked)

	// Steer both sockets at the new universe before fetching so the next
	// snapshot is served from cache even if this one falls back to REST.
	a.bars.SetAltUniverse(alts)
	a.backfill.UpdateAltSymbols(alts)

	drops, backfilled := a.ensureAltH1(ctx, alts)
	a.backfill.ReportBackfill(drops, backfilled)

	// Only symbols with live exchange filters are eligible for the universe.
	universeSymbols := make([]string, 0, len(alts))
	for _, sym := range alts {
		if _, ok := filters[sym]; ok {
			universeSymbols = append(universeSymbols, sym)
		}
	}

	klinesBySymbol, klineWarnings := a.fetchKlines(ctx, universeSymbols)
	warnings = append(warnings, klineWarnings...)

	funding, oi := a.fetchSideData(ctx, universeSymbols, &warnings)

	tickers, err := a.rest.Ticker24h(ctx)
	if err != nil {
		a.reg.IncSnapshotError("ticker")
		return nil, fmt.Errorf("24h ticker: %w", err)
	}
	volumeBySymbol := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		volumeBySymbol[t.Symbol] = t.QuoteVolume
	}

	btc := a.buildCoreAsset(btcSymbol, klinesBySymbol, funding, oi, &warnings)
	eth := a.buildCoreAsset(ethSymbol, klinesBySymbol, funding, oi, &warnings)

	universe := make([]market.UniverseItem, 0, len(universeSymbols))
	for _, sym := range universeSymbols {
		ks := klinesBySymbol[sym]
		if ks == nil || len(ks.H1) == 0 {
			warnings = append(warnings, fmt.Sprintf("universe: dropped %s, no 1h klines", sym))
			continue
		}
		item := market.UniverseItem{
			Symbol:  sym,
			Klines:  *ks,
			Funding: funding[sym],
			OINow:   oi[sym],
			OIHist:  []market.OIPoint{},
		}
		if v, ok := volumeBySymbol[sym]; ok && v > 0 {
			vol := v
			item.Volume24hUSD = &vol
		}
		universe = append(universe, item)
	}

	if a.cfg.MinUniverse > 0 && len(universe) < a.cfg.MinUniverse {
		a.reg.IncSnapshotError("universe_incomplete")
		return nil, &UniverseIncompleteError{
			Stage:    "assemble",
			Expected: a.cfg.MinUniverse,
			Actual:   len(universe),
		}
	}

	snap := &market.MarketRawSnapshot{
		Timestamp:       start.UTC(),
		SnapshotID:      uuid.NewString(),
		FeedsOK:         a.feedsOK(start, btc, eth, universe),
		DataWarnings:    warnings,
		BTC:             btc,
		ETH:             eth,
		Universe:        universe,
		ExchangeFilters: filters,
	}

	encoded, err := json.Marshal(snap)
	if err != nil {
		a.reg.IncSnapshotError("encode")
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if a.cfg.MaxBytes > 0 && len(encoded) > a.cfg.MaxBytes {
		a.reg.IncSnapshotError("too_large")
		return nil, &TooLargeError{Size: len(encoded), Limit: a.cfg.MaxBytes}
	}

	elapsed := a.now().Sub(start)
	a.reg.ObserveSnapshot(elapsed, len(encoded))
	log.Info().
		Str("snapshot_id", snap.SnapshotID).
		Int("universe", len(universe)).
		Int("bytes", len(encoded)).
		Bool("feeds_ok", snap.FeedsOK).
		Dur("elapsed", elapsed).
		Msg("snapshot assembled")

	return snap, nil
}

// ensureAltH1 guarantees each alt has at least one cached 1h bar before the
// kline fan-out: ring cache first, then the dedicated alt socket's last
// closed bar, then a single-candle REST fetch. Symbols that exhaust all
// three are reported as drops.
func (a *Assembler) ensureAltH1(ctx context.Context, alts []string) (drops []string, backfilled int) {
	type warmResult struct {
		symbol     string
		backfilled bool
		dropped    bool
	}

	tasks := make([]pool.Task[warmResult], 0, len(alts))
	for _, sym := range alts {
		sym := sym
		tasks = append(tasks, func(ctx context.Context) (warmResult, error) {
			if len(a.bars.GetBars(sym, market.IntervalH1, 1)) > 0 {
				return warmResult{symbol: sym}, nil
			}
			if bar, ok := a.backfill.LastClosedH1(sym); ok {
				a.bars.IngestClosed(sym, market.IntervalH1, bar)
				return warmResult{symbol: sym, backfilled: true}, nil
			}
			kl, err := a.rest.Klines(ctx, sym, market.IntervalH1, 1)
			if err != nil || len(kl) == 0 {
				return warmResult{symbol: sym, dropped: true}, nil
			}
			a.bars.IngestClosed(sym, market.IntervalH1, klineToBar(kl[len(kl)-1]))
			return warmResult{symbol: sym, backfilled: true}, nil
		})
	}

	for _, res := range pool.RunAll(ctx, tasks, a.cfg.Concurrency) {
		switch {
		case res.Value.dropped:
			drops = append(drops, res.Value.symbol)
		case res.Value.backfilled:
			backfilled++
		}
	}
	sort.Strings(drops)
	return drops, backfilled
}

// fetchKlines fans out the full kline matrix: core pair across all three
// intervals, alts on 1h only. The ring cache serves a request outright when
// it holds a full window; anything short falls back to REST.
func (a *Assembler) fetchKlines(ctx context.Context, alts []string) (map[string]*market.KlineSet, []string) {
	type req struct{ symbol, interval string }
	reqs := make([]req, 0, len(alts)+6)
	for _, sym := range []string{btcSymbol, ethSymbol} {
		for _, itv := range []string{market.IntervalH4, market.IntervalH1, market.IntervalM15} {
			reqs = append(reqs, req{sym, itv})
		}
	}
	for _, sym := range alts {
		reqs = append(reqs, req{sym, market.IntervalH1})
	}

	tasks := make([]pool.Task[klineResult], 0, len(reqs))
	for _, r := range reqs {
		r := r
		tasks = append(tasks, func(ctx context.Context) (klineResult, error) {
			if cached := a.bars.GetBars(r.symbol, r.interval, a.cfg.Candles); len(cached) >= a.cfg.Candles {
				return klineResult{r.symbol, r.interval, barsToKlines(cached)}, nil
			}
			kl, err := a.rest.Klines(ctx, r.symbol, r.interval, a.cfg.Candles)
			if err != nil {
				return klineResult{symbol: r.symbol, interval: r.interval}, err
			}
			return klineResult{r.symbol, r.interval, kl}, nil
		})
	}

	out := make(map[string]*market.KlineSet, len(alts)+2)
	var warnings []string
	for _, res := range pool.RunAll(ctx, tasks, a.cfg.Concurrency) {
		if res.Err != nil {
			warnings = append(warnings, fmt.Sprintf("klines %s %s: %v", res.Value.symbol, res.Value.interval, res.Err))
			continue
		}
		ks := out[res.Value.symbol]
		if ks == nil {
			ks = &market.KlineSet{}
			out[res.Value.symbol] = ks
		}
		switch res.Value.interval {
		case market.IntervalH4:
			ks.H4 = res.Value.klines
		case market.IntervalH1:
			ks.H1 = res.Value.klines
		case market.IntervalM15:
			ks.M15 = res.Value.klines
		}
	}
	sort.Strings(warnings)
	return out, warnings
}

// fetchSideData fans out funding and open-interest lookups according to the
// configured modes. Failures degrade the field, never the snapshot.
func (a *Assembler) fetchSideData(ctx context.Context, alts []string, warnings *[]string) (funding, oi map[string]*float64) {
	core := []string{btcSymbol, ethSymbol}
	fundingSymbols := core
	oiSymbols := core
	if a.cfg.FundingMode == ModeAll {
		fundingSymbols = append(append([]string{}, core...), alts...)
	}
	if a.cfg.OpenInterestMode == ModeAll {
		oiSymbols = append(append([]string{}, core...), alts...)
	}

	tasks := make([]pool.Task[sideResult], 0, len(fundingSymbols)+len(oiSymbols))
	for _, sym := range fundingSymbols {
		sym := sym
		tasks = append(tasks, func(ctx context.Context) (sideResult, error) {
			v, err := a.rest.FundingRate(ctx, sym)
			return sideResult{kind: "funding", symbol: sym, value: v}, err
		})
	}
	for _, sym := range oiSymbols {
		sym := sym
		tasks = append(tasks, func(ctx context.Context) (sideResult, error) {
			v, err := a.rest.OpenInterest(ctx, sym)
			return sideResult{kind: "open_interest", symbol: sym, value: v}, err
		})
	}

	funding = make(map[string]*float64, len(fundingSymbols))
	oi = make(map[string]*float64, len(oiSymbols))
	var failed []string
	for _, res := range pool.RunAll(ctx, tasks, a.cfg.Concurrency) {
		if res.Err != nil {
			failed = append(failed, fmt.Sprintf("%s %s: %v", res.Value.kind, res.Value.symbol, res.Err))
			continue
		}
		if res.Value.kind == "funding" {
			funding[res.Value.symbol] = res.Value.value
		} else {
			oi[res.Value.symbol] = res.Value.value
		}
	}
	sort.Strings(failed)
	*warnings = append(*warnings, failed...)
	return funding, oi
}

// buildCoreAsset fills one core slot. The slot is always present; missing
// interval data is surfaced as a warning, and side data is attached only
// when the kline backbone (H4 and H1) is intact.
func (a *Assembler) buildCoreAsset(symbol string, klines map[string]*market.KlineSet, funding, oi map[string]*float64, warnings *[]string) *market.CoreAsset {
	asset := &market.CoreAsset{}
	ks := klines[symbol]
	if ks != nil {
		asset.Klines = *ks
	}
	if ks == nil || len(ks.H4) == 0 || len(ks.H1) == 0 {
		*warnings = append(*warnings, fmt.Sprintf("core: %s missing 4h or 1h klines", symbol))
		return asset
	}
	asset.Funding = funding[symbol]
	asset.OINow = oi[symbol]
	return asset
}

// feedsOK checks the newest 15m close time of every symbol that carries M15
// data against the staleness threshold. With no M15 data at all the verdict
// is vacuously true; a single stale series flips it false.
func (a *Assembler) feedsOK(now time.Time, btc, eth *market.CoreAsset, universe []market.UniverseItem) bool {
	sets := []market.KlineSet{}
	if btc != nil {
		sets = append(sets, btc.Klines)
	}
	if eth != nil {
		sets = append(sets, eth.Klines)
	}
	for _, item := range universe {
		sets = append(sets, item.Klines)
	}

	for _, ks := range sets {
		if len(ks.M15) == 0 {
			continue
		}
		newest := ks.M15[len(ks.M15)-1].CloseTime
		if now.Sub(newest) > a.cfg.StaleThreshold {
			return false
		}
	}
	return true
}

// excludeCore drops the fixed pair from a ranked symbol list.
func excludeCore(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if strings.EqualFold(sym, btcSymbol) || strings.EqualFold(sym, ethSymbol) {
			continue
		}
		out = append(out, sym)
	}
	return out
}

func klineToBar(k market.Kline) stream.Bar {
	return stream.Bar{
		OpenTime:  k.OpenTime.UnixMilli(),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		CloseTime: k.CloseTime.UnixMilli(),
	}
}

func barToKline(b stream.Bar) market.Kline {
	closeTime := b.CloseTime
	if closeTime <= 0 {
		closeTime = b.OpenTime
	}
	return market.Kline{
		OpenTime:  time.UnixMilli(b.OpenTime).UTC(),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		CloseTime: time.UnixMilli(closeTime).UTC(),
	}
}

func barsToKlines(bars []stream.Bar) []market.Kline {
	out := make([]market.Kline, len(bars))
	for i, b := range bars {
		out[i] = barToKline(b)
	}
	return out
}
