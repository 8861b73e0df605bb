package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"perpfeed/internal/market"
	"perpfeed/internal/metrics"
)

const (
	altCollectorName  = "alt_h1"
	altReconnectDelay = 1 * time.Second
)

// AltH1Config configures the backfill collector.
type AltH1Config struct {
	// URL is the raw stream endpoint, e.g. wss://fstream.binance.com/ws.
	URL string
	// CoreSymbols are never tracked here; the primary collector owns them.
	CoreSymbols []string
}

// AltH1Stats is the backfill collector's introspection payload.
type AltH1Stats struct {
	Connected         bool     `json:"connected"`
	Subscribed        int      `json:"altH1Subscribed"`
	Ready             int      `json:"altH1Ready"`
	DropsNoH1         []string `json:"drops_noH1"`
	LastBackfillCount int      `json:"lastBackfillCount"`
}

// AltH1Collector is a secondary socket dedicated to 1h bars for alt symbols,
// pre-warming the cache before the primary collector's alt subscription
// catches up. It keeps only the last closed bar per symbol and reconnects
// with a fixed short delay.
type AltH1Collector struct {
	cfg  AltH1Config
	core map[string]struct{}
	reg  *metrics.Registry

	mu                sync.RWMutex
	subscribed        map[string]struct{}
	last              map[string]Bar
	dropsNoH1         []string
	lastBackfillCount int

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// NewAltH1Collector creates the collector; Run must be started for it to
// receive bars.
func NewAltH1Collector(cfg AltH1Config, reg *metrics.Registry) *AltH1Collector {
	core := make(map[string]struct{}, len(cfg.CoreSymbols))
	for _, s := range cfg.CoreSymbols {
		core[s] = struct{}{}
	}
	return &AltH1Collector{
		cfg:        cfg,
		core:       core,
		reg:        reg,
		subscribed: make(map[string]struct{}),
		last:       make(map[string]Bar),
	}
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (a *AltH1Collector) Run(ctx context.Context) {
	for ctx.Err() == nil {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, a.cfg.URL, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", a.cfg.URL).Msg("alt h1 stream dial failed")
			if !sleepCtx(ctx, altReconnectDelay) {
				return
			}
			continue
		}

		a.setConn(conn)
		a.connected.Store(true)
		log.Info().Str("url", a.cfg.URL).Msg("alt h1 stream connected")

		a.subscribeAll()
		a.readLoop(ctx, conn)

		a.connected.Store(false)
		a.setConn(nil)
		conn.Close()
		a.reg.IncWSReconnect(altCollectorName)

		if !sleepCtx(ctx, altReconnectDelay) {
			return
		}
	}
}

// UpdateAltSymbols moves the tracked set to symbols (core pair excluded),
// subscribing and unsubscribing only the delta.
func (a *AltH1Collector) UpdateAltSymbols(symbols []string) {
	alts := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, isCore := a.core[s]; !isCore {
			alts = append(alts, s)
		}
	}

	a.mu.RLock()
	current := a.subscribed
	a.mu.RUnlock()

	subscribe, unsubscribe, next := diffAltStreams(current, alts, market.IntervalH1)
	if len(subscribe) > 0 {
		a.sendFrame(controlFrame{Method: methodSubscribe, Params: subscribe, ID: frameID()})
	}
	if len(unsubscribe) > 0 {
		a.sendFrame(controlFrame{Method: methodUnsubscribe, Params: unsubscribe, ID: frameID()})
	}

	a.mu.Lock()
	a.subscribed = next
	a.mu.Unlock()
}

// LastClosedH1 returns the most recent closed 1h bar for the symbol.
func (a *AltH1Collector) LastClosedH1(symbol string) (Bar, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	bar, ok := a.last[symbol]
	return bar, ok
}

// ReportBackfill records the outcome of the assembler's pre-warm pass for
// introspection: which symbols still lack an H1 bar and how many bars were
// backfilled.
func (a *AltH1Collector) ReportBackfill(drops []string, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.dropsNoH1 = append([]string(nil), drops...)
	a.lastBackfillCount = count
}

// Stats reports subscribed vs ready alt counts and the last backfill outcome.
func (a *AltH1Collector) Stats() AltH1Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	drops := append([]string(nil), a.dropsNoH1...)
	return AltH1Stats{
		Connected:         a.connected.Load(),
		Subscribed:        len(a.subscribed),
		Ready:             len(a.last),
		DropsNoH1:         drops,
		LastBackfillCount: a.lastBackfillCount,
	}
}

func (a *AltH1Collector) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("alt h1 stream read failed")
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		symbol, interval, bar, ok := parseClosedKline(data)
		if !ok || interval != market.IntervalH1 {
			continue
		}

		a.mu.Lock()
		a.last[symbol] = bar
		a.mu.Unlock()
		a.reg.IncWSBar(altCollectorName)
	}
}

func (a *AltH1Collector) subscribeAll() {
	a.mu.RLock()
	params := make([]string, 0, len(a.subscribed))
	for s := range a.subscribed {
		params = append(params, streamName(s, market.IntervalH1))
	}
	a.mu.RUnlock()

	if len(params) > 0 {
		a.sendFrame(controlFrame{Method: methodSubscribe, Params: params, ID: frameID()})
	}
}

func (a *AltH1Collector) sendFrame(frame controlFrame) {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if a.conn == nil {
		return
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := a.conn.WriteJSON(frame); err != nil {
		log.Warn().Err(err).Str("method", frame.Method).Msg("control frame send failed")
	}
}

func (a *AltH1Collector) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}
