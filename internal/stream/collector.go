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
	collectorName    = "kline"
	readTimeout      = 90 * time.Second
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 30 * time.Second

	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 5 * time.Second
)

// CollectorConfig configures the primary kline collector.
type CollectorConfig struct {
	// URL is the combined-stream endpoint, e.g.
	// wss://fstream.binance.com/stream.
	URL string
	// CoreSymbols are subscribed on every connect across all core intervals.
	CoreSymbols []string
	// Capacity bounds each (symbol, interval) ring buffer.
	Capacity int
}

// Health is the collector's introspection snapshot.
type Health struct {
	Connected       bool             `json:"connected"`
	Streams         int              `json:"streams"`
	LastClosedAgeMS map[string]int64 `json:"lastClosedAgeMsByKey"`
}

// Collector maintains one multiplexed kline socket: the fixed core
// symbol/interval matrix plus a dynamically updated alt set on the 1h
// interval. Closed bars land in per-(symbol, interval) ring buffers; readers
// get copies, never the live buffer. On socket loss it reconnects with
// capped exponential backoff and re-subscribes the full matrix.
type Collector struct {
	cfg           CollectorConfig
	coreIntervals []string
	reg           *metrics.Registry

	mu     sync.RWMutex
	rings  map[string]*Ring
	altSet map[string]struct{}

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// NewCollector creates a collector; Run must be started for it to receive
// bars, but GetBars and IngestClosed work without a connection.
func NewCollector(cfg CollectorConfig, reg *metrics.Registry) *Collector {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 200
	}
	return &Collector{
		cfg:           cfg,
		coreIntervals: []string{market.IntervalH4, market.IntervalH1, market.IntervalM15},
		reg:           reg,
		rings:         make(map[string]*Ring),
		altSet:        make(map[string]struct{}),
	}
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	attempts := 0
	for ctx.Err() == nil {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			delay := reconnectDelay(attempts)
			attempts++
			log.Warn().Err(err).Str("url", c.cfg.URL).
				Dur("retry_in", delay).Msg("kline stream dial failed")
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		attempts = 0
		c.setConn(conn)
		c.connected.Store(true)
		log.Info().Str("url", c.cfg.URL).Msg("kline stream connected")

		c.subscribeAll()
		c.readLoop(ctx, conn)

		c.connected.Store(false)
		c.setConn(nil)
		conn.Close()
		c.reg.IncWSReconnect(collectorName)

		delay := reconnectDelay(attempts)
		attempts++
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// SetAltUniverse moves the alt subscription set to symbols, emitting
// SUBSCRIBE/UNSUBSCRIBE frames only for the delta. The in-memory set is
// swapped atomically after the frames are sent so concurrent readers never
// observe a half-updated set.
func (c *Collector) SetAltUniverse(symbols []string) {
	c.mu.RLock()
	current := c.altSet
	c.mu.RUnlock()

	subscribe, unsubscribe, next := diffAltStreams(current, symbols, market.IntervalH1)
	if len(subscribe) > 0 {
		c.sendFrame(controlFrame{Method: methodSubscribe, Params: subscribe, ID: frameID()})
	}
	if len(unsubscribe) > 0 {
		c.sendFrame(controlFrame{Method: methodUnsubscribe, Params: unsubscribe, ID: frameID()})
	}

	c.mu.Lock()
	c.altSet = next
	c.mu.Unlock()

	if len(subscribe) > 0 || len(unsubscribe) > 0 {
		log.Debug().Int("subscribed", len(subscribe)).
			Int("unsubscribed", len(unsubscribe)).
			Int("alt_total", len(next)).Msg("alt universe updated")
	}
}

// GetBars returns the most recent need bars for the key, oldest first, or
// nil when nothing is cached. It never blocks on network I/O.
func (c *Collector) GetBars(symbol, interval string, need int) []Bar {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ring, ok := c.rings[ringKey(symbol, interval)]
	if !ok {
		return nil
	}
	return ring.LastN(need)
}

// IngestClosed injects a closed bar directly into the cache, pre-warming it
// ahead of native stream delivery.
func (c *Collector) IngestClosed(symbol, interval string, bar Bar) {
	c.writeBar(symbol, interval, bar)
}

// Health reports connection state, active stream keys, and per-key last-bar
// age.
func (c *Collector) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	ages := make(map[string]int64, len(c.rings))
	for key, ring := range c.rings {
		if age, ok := ring.LastAge(now); ok {
			ages[key] = age.Milliseconds()
		}
	}

	return Health{
		Connected:       c.connected.Load(),
		Streams:         len(c.rings),
		LastClosedAgeMS: ages,
	}
}

func (c *Collector) readLoop(ctx context.Context, conn *websocket.Conn) {
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
			log.Warn().Err(err).Msg("kline stream read failed")
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		symbol, interval, bar, ok := parseClosedKline(data)
		if !ok {
			continue
		}
		c.writeBar(symbol, interval, bar)
		c.reg.IncWSBar(collectorName)
	}
}

// subscribeAll emits the full core matrix plus the current alt set; sent on
// every (re)connect so the subscription state survives reconnects.
func (c *Collector) subscribeAll() {
	params := make([]string, 0, len(c.cfg.CoreSymbols)*len(c.coreIntervals))
	for _, s := range c.cfg.CoreSymbols {
		for _, itv := range c.coreIntervals {
			params = append(params, streamName(s, itv))
		}
	}

	c.mu.RLock()
	for s := range c.altSet {
		params = append(params, streamName(s, market.IntervalH1))
	}
	c.mu.RUnlock()

	if len(params) > 0 {
		c.sendFrame(controlFrame{Method: methodSubscribe, Params: params, ID: frameID()})
	}
}

func (c *Collector) writeBar(symbol, interval string, bar Bar) {
	key := ringKey(symbol, interval)

	c.mu.Lock()
	defer c.mu.Unlock()

	ring, ok := c.rings[key]
	if !ok {
		ring = NewRing(c.cfg.Capacity)
		c.rings[key] = ring
	}
	ring.Push(bar)
}

func (c *Collector) sendFrame(frame controlFrame) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(frame); err != nil {
		log.Warn().Err(err).Str("method", frame.Method).Msg("control frame send failed")
	}
}

func (c *Collector) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func ringKey(symbol, interval string) string {
	return symbol + ":" + interval
}

func reconnectDelay(attempts int) time.Duration {
	delay := reconnectBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= reconnectMax {
			return reconnectMax
		}
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
