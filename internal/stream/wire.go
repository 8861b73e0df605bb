package stream

import (
	"encoding/json"
	"strings"
	"time"
)

// controlFrame is the multiplexed-stream control message for subscription
// management.
type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// combinedEvent is the envelope emitted by the combined-stream endpoint.
type combinedEvent struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	Event  string       `json:"e"`
	Symbol string       `json:"s"`
	Kline  klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

// parseClosedKline decodes a kline event frame, accepting both the combined
// envelope {stream, data} and a bare event. It reports ok only for closed
// bars (x == true); open bars and any other frame are ignored.
func parseClosedKline(data []byte) (symbol, interval string, bar Bar, ok bool) {
	payload := data

	var env combinedEvent
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	var ev klineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", "", Bar{}, false
	}
	if ev.Event != "kline" || !ev.Kline.Closed {
		return "", "", Bar{}, false
	}

	k := ev.Kline
	open, okO := parseBarFloat(k.Open)
	closeP, okC := parseBarFloat(k.Close)
	if !okO || !okC {
		return "", "", Bar{}, false
	}
	high, _ := parseBarFloat(k.High)
	low, _ := parseBarFloat(k.Low)
	volume, _ := parseBarFloat(k.Volume)

	symbol = ev.Symbol
	if symbol == "" {
		symbol = k.Symbol
	}

	return symbol, k.Interval, Bar{
		OpenTime:  k.OpenTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    volume,
		CloseTime: k.CloseTime,
	}, true
}

// streamName builds the kline stream identifier for a symbol and interval.
func streamName(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// diffAltStreams computes the incremental 1h-stream changes needed to move
// from the current alt set to next. Only the delta is subscribed or
// unsubscribed, never the full set.
func diffAltStreams(current map[string]struct{}, next []string, interval string) (subscribe, unsubscribe []string, nextSet map[string]struct{}) {
	nextSet = make(map[string]struct{}, len(next))
	for _, s := range next {
		nextSet[s] = struct{}{}
	}

	for s := range nextSet {
		if _, have := current[s]; !have {
			subscribe = append(subscribe, streamName(s, interval))
		}
	}
	for s := range current {
		if _, keep := nextSet[s]; !keep {
			unsubscribe = append(unsubscribe, streamName(s, interval))
		}
	}

	return subscribe, unsubscribe, nextSet
}

func frameID() int64 {
	return time.Now().UnixMilli()
}

func parseBarFloat(s string) (float64, bool) {
	var v float64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return 0, false
	}
	return v, true
}
