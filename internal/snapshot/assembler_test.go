package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpfeed/internal/binance"
	"perpfeed/internal/market"
	"perpfeed/internal/net/httpx"
	"perpfeed/internal/stream"
)

// fixtureServer is an in-process futures REST backend serving a small fixed
// market: the core pair plus SOL/XRP/DOGE perpetuals.
type fixtureServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	klineCalls map[string]int
	sideCalls  map[string]int
	failKlines map[string]bool
	staleM15   bool
}

func newFixtureServer(t *testing.T) *fixtureServer {
	t.Helper()
	f := &fixtureServer{
		klineCalls: make(map[string]int),
		sideCalls:  make(map[string]int),
		failKlines: make(map[string]bool),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

var fixtureSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "DOGEUSDT"}

func (f *fixtureServer) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/fapi/v1/exchangeInfo":
		var b strings.Builder
		b.WriteString(`{"symbols":[`)
		for i, sym := range fixtureSymbols {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"symbol":%q,"status":"TRADING","contractType":"PERPETUAL","quoteAsset":"USDT","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.01"},
				{"filterType":"LOT_SIZE","stepSize":"0.1","minQty":"0.1"},
				{"filterType":"MIN_NOTIONAL","notional":"5"}]}`, sym)
		}
		b.WriteString(`]}`)
		w.Write([]byte(b.String()))

	case "/fapi/v1/ticker/24hr":
		var b strings.Builder
		b.WriteString(`[`)
		for i, sym := range fixtureSymbols {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"symbol":%q,"quoteVolume":"%d","lastPrice":"100","priceChangePercent":"1.0","closeTime":1700000000000}`,
				sym, 1_000_000*(len(fixtureSymbols)-i))
		}
		b.WriteString(`]`)
		w.Write([]byte(b.String()))

	case "/fapi/v1/klines":
		symbol := r.URL.Query().Get("symbol")
		interval := r.URL.Query().Get("interval")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		f.mu.Lock()
		f.klineCalls[symbol+":"+interval]++
		fail := f.failKlines[symbol]
		stale := f.staleM15 && interval == market.IntervalM15
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(klinesBody(limit, interval, stale)))

	case "/fapi/v1/fundingRate":
		f.mu.Lock()
		f.sideCalls["funding:"+r.URL.Query().Get("symbol")]++
		f.mu.Unlock()
		w.Write([]byte(`[{"fundingRate":"0.0001"}]`))

	case "/fapi/v1/openInterest":
		f.mu.Lock()
		f.sideCalls["oi:"+r.URL.Query().Get("symbol")]++
		f.mu.Unlock()
		w.Write([]byte(`{"openInterest":"5000"}`))

	case "/fapi/v1/time":
		w.Write([]byte(`{"serverTime":1700000000000}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// klinesBody renders limit closed candles ending just now, or twenty minutes
// ago when stale.
func klinesBody(limit int, interval string, stale bool) string {
	step := time.Hour
	if interval == market.IntervalM15 {
		step = 15 * time.Minute
	} else if interval == market.IntervalH4 {
		step = 4 * time.Hour
	}

	lastClose := time.Now().Add(-time.Minute)
	if stale {
		lastClose = time.Now().Add(-20 * time.Minute)
	}

	rows := make([]string, limit)
	for i := 0; i < limit; i++ {
		closeAt := lastClose.Add(-time.Duration(limit-1-i) * step)
		openAt := closeAt.Add(-step)
		rows[i] = fmt.Sprintf(`[%d,"100","101","99","100.5","10",%d]`, openAt.UnixMilli(), closeAt.UnixMilli())
	}
	return "[" + strings.Join(rows, ",") + "]"
}

func (f *fixtureServer) klineCallCount(symbol, interval string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klineCalls[symbol+":"+interval]
}

func (f *fixtureServer) sideCallCount(kind, symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sideCalls[kind+":"+symbol]
}

type testHarness struct {
	fixture   *fixtureServer
	collector *stream.Collector
	backfill  *stream.AltH1Collector
	assembler *Assembler
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	f := newFixtureServer(t)

	httpClient := httpx.New(httpx.Config{
		BaseURL:     f.srv.URL,
		Timeout:     2 * time.Second,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, nil, nil)
	rest := binance.NewClient(httpClient, binance.CacheTTLs{})

	collector := stream.NewCollector(stream.CollectorConfig{
		CoreSymbols: []string{btcSymbol, ethSymbol},
		Capacity:    50,
	}, nil)
	backfill := stream.NewAltH1Collector(stream.AltH1Config{
		CoreSymbols: []string{btcSymbol, ethSymbol},
	}, nil)

	if cfg.Candles == 0 {
		cfg.Candles = 5
	}
	if cfg.TopN == 0 {
		cfg.TopN = 5
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}

	return &testHarness{
		fixture:   f,
		collector: collector,
		backfill:  backfill,
		assembler: New(
			rest,
			binance.NewFilterCache(rest, 10*time.Minute),
			binance.NewUniverseSelector(rest),
			collector,
			backfill,
			cfg,
			nil,
		),
	}
}

func TestBuildHappyPath(t *testing.T) {
	h := newHarness(t, Config{})

	snap, err := h.assembler.Build(context.Background(), Options{})
	require.NoError(t, err)

	assert.NotEmpty(t, snap.SnapshotID)
	assert.True(t, snap.FeedsOK)
	assert.Empty(t, snap.DataWarnings)

	require.NotNil(t, snap.BTC)
	assert.Len(t, snap.BTC.Klines.H4, 5)
	assert.Len(t, snap.BTC.Klines.H1, 5)
	assert.Len(t, snap.BTC.Klines.M15, 5)
	require.NotNil(t, snap.BTC.Funding)
	assert.Equal(t, 0.0001, *snap.BTC.Funding)
	require.NotNil(t, snap.BTC.OINow)
	assert.Equal(t, 5000.0, *snap.BTC.OINow)

	require.NotNil(t, snap.ETH)
	assert.Len(t, snap.ETH.Klines.H1, 5)

	require.Len(t, snap.Universe, 3)
	symbols := make([]string, 0, 3)
	for _, item := range snap.Universe {
		symbols = append(symbols, item.Symbol)
		assert.Len(t, item.Klines.H1, 5)
		assert.Empty(t, item.Klines.H4)
		assert.Empty(t, item.Klines.M15)
		require.NotNil(t, item.Funding)
		require.NotNil(t, item.Volume24hUSD)
		assert.NotNil(t, item.OIHist)
	}
	// Ranked by descending volume, core pair excluded.
	assert.Equal(t, []string{"SOLUSDT", "XRPUSDT", "DOGEUSDT"}, symbols)

	assert.Len(t, snap.ExchangeFilters, 5)
}

func TestBuildDropsAltWithoutH1(t *testing.T) {
	h := newHarness(t, Config{})
	h.fixture.failKlines["SOLUSDT"] = true

	snap, err := h.assembler.Build(context.Background(), Options{})
	require.NoError(t, err)

	symbols := make([]string, 0, len(snap.Universe))
	for _, item := range snap.Universe {
		symbols = append(symbols, item.Symbol)
	}
	assert.Equal(t, []string{"XRPUSDT", "DOGEUSDT"}, symbols)
	assert.NotEmpty(t, snap.DataWarnings)

	// The failed pre-warm is reported to the backfill collector.
	assert.Equal(t, []string{"SOLUSDT"}, h.backfill.Stats().DropsNoH1)
}

func TestBuildStaleM15FlipsFeedsOK(t *testing.T) {
	h := newHarness(t, Config{StaleThreshold: 15 * time.Minute})
	h.fixture.staleM15 = true

	snap, err := h.assembler.Build(context.Background(), Options{})
	require.NoError(t, err)
	assert.False(t, snap.FeedsOK)
}

func TestBuildUniverseIncomplete(t *testing.T) {
	h := newHarness(t, Config{MinUniverse: 3})
	h.fixture.failKlines["SOLUSDT"] = true
	h.fixture.failKlines["XRPUSDT"] = true

	_, err := h.assembler.Build(context.Background(), Options{})
	require.Error(t, err)

	var incomplete *UniverseIncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, 3, incomplete.Expected)
	assert.Equal(t, 1, incomplete.Actual)
	assert.Contains(t, incomplete.Error(), "universe incomplete")
}

func TestBuildSnapshotTooLarge(t *testing.T) {
	h := newHarness(t, Config{MaxBytes: 100})

	_, err := h.assembler.Build(context.Background(), Options{})
	require.Error(t, err)

	var tooLarge *TooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, 100, tooLarge.Limit)
	assert.Greater(t, tooLarge.Size, 100)
}

func TestBuildPrefersRingCacheOverREST(t *testing.T) {
	h := newHarness(t, Config{Candles: 3})

	// A full 1h window for SOL is already cached.
	for i := int64(0); i < 3; i++ {
		h.collector.IngestClosed("SOLUSDT", market.IntervalH1, stream.Bar{
			OpenTime:  time.Now().Add(time.Duration(i-3) * time.Hour).UnixMilli(),
			Close:     100,
			CloseTime: time.Now().Add(time.Duration(i-2)*time.Hour - time.Millisecond).UnixMilli(),
		})
	}

	snap, err := h.assembler.Build(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, h.fixture.klineCallCount("SOLUSDT", market.IntervalH1))
	assert.Greater(t, h.fixture.klineCallCount("XRPUSDT", market.IntervalH1), 0)

	for _, item := range snap.Universe {
		if item.Symbol == "SOLUSDT" {
			assert.Len(t, item.Klines.H1, 3)
		}
	}
}

func TestBuildCoreOnlySideData(t *testing.T) {
	h := newHarness(t, Config{FundingMode: ModeCoreOnly, OpenInterestMode: ModeCoreOnly})

	snap, err := h.assembler.Build(context.Background(), Options{})
	require.NoError(t, err)

	assert.NotNil(t, snap.BTC.Funding)
	assert.Equal(t, 0, h.fixture.sideCallCount("funding", "SOLUSDT"))
	assert.Equal(t, 0, h.fixture.sideCallCount("oi", "SOLUSDT"))
	assert.Equal(t, 1, h.fixture.sideCallCount("funding", "BTCUSDT"))

	for _, item := range snap.Universe {
		assert.Nil(t, item.Funding)
		assert.Nil(t, item.OINow)
	}
}

func TestBuildTopNOverride(t *testing.T) {
	h := newHarness(t, Config{})

	snap, err := h.assembler.Build(context.Background(), Options{TopN: 3})
	require.NoError(t, err)

	// Top 3 by volume is BTC, ETH, SOL; the core pair is excluded.
	require.Len(t, snap.Universe, 1)
	assert.Equal(t, "SOLUSDT", snap.Universe[0].Symbol)
}

func TestBuildBackfillsFromAltSocketBar(t *testing.T) {
	h := newHarness(t, Config{Candles: 1})

	warm := stream.Bar{
		OpenTime:  time.Now().Add(-time.Hour).UnixMilli(),
		Close:     42,
		CloseTime: time.Now().Add(-time.Minute).UnixMilli(),
	}
	stub := &stubBackfill{bars: map[string]stream.Bar{"DOGEUSDT": warm}}
	h.assembler.backfill = stub

	snap, err := h.assembler.Build(context.Background(), Options{})
	require.NoError(t, err)

	// DOGE's single candle came from the alt socket, not REST; SOL and XRP
	// were backfilled over REST.
	assert.Equal(t, 0, h.fixture.klineCallCount("DOGEUSDT", market.IntervalH1))
	assert.Equal(t, 3, stub.lastBackfill)

	var doge *market.UniverseItem
	for i := range snap.Universe {
		if snap.Universe[i].Symbol == "DOGEUSDT" {
			doge = &snap.Universe[i]
		}
	}
	require.NotNil(t, doge)
	require.Len(t, doge.Klines.H1, 1)
	assert.Equal(t, 42.0, doge.Klines.H1[0].Close)
}

type stubBackfill struct {
	bars         map[string]stream.Bar
	lastBackfill int
}

func (s *stubBackfill) UpdateAltSymbols([]string) {}

func (s *stubBackfill) LastClosedH1(symbol string) (stream.Bar, bool) {
	bar, ok := s.bars[symbol]
	return bar, ok
}

func (s *stubBackfill) ReportBackfill(drops []string, count int) {
	s.lastBackfill = count
}
