package binance

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"perpfeed/internal/market"
)

// Ticker is one row of the 24h ticker table with numeric fields parsed.
type Ticker struct {
	Symbol             string
	QuoteVolume        float64
	LastPrice          float64
	PriceChangePercent float64
	CloseTime          time.Time
}

type tickerRow struct {
	Symbol             string `json:"symbol"`
	QuoteVolume        string `json:"quoteVolume"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

type exchangeInfoResponse struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

type exchangeInfoSymbol struct {
	Symbol       string               `json:"symbol"`
	Status       string               `json:"status"`
	ContractType string               `json:"contractType"`
	QuoteAsset   string               `json:"quoteAsset"`
	Filters      []exchangeInfoFilter `json:"filters"`
}

type exchangeInfoFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	Notional    string `json:"notional"`
	MinNotional string `json:"minNotional"`
}

type fundingRow struct {
	FundingRate string `json:"fundingRate"`
}

type openInterestResponse struct {
	OpenInterest string `json:"openInterest"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// parseFloat returns the parsed value and whether it is a finite number.
func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseKlines decodes the kline wire format: an array of rows
// [openTime, open, high, low, close, volume, closeTime, ...] with string
// numerics. Rows with an unparseable open or close are dropped.
func parseKlines(body []byte) ([]market.Kline, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}

	klines := make([]market.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}

		var openMS, closeMS int64
		if err := json.Unmarshal(row[0], &openMS); err != nil {
			continue
		}
		if err := json.Unmarshal(row[6], &closeMS); err != nil {
			continue
		}

		var o, h, l, c, v string
		fields := []*string{&o, &h, &l, &c, &v}
		ok := true
		for i, dst := range fields {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		open, okOpen := parseFloat(o)
		closeP, okClose := parseFloat(c)
		if !okOpen || !okClose {
			continue
		}
		high, _ := parseFloat(h)
		low, _ := parseFloat(l)
		volume, _ := parseFloat(v)

		klines = append(klines, market.Kline{
			OpenTime:  time.UnixMilli(openMS).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    volume,
			CloseTime: time.UnixMilli(closeMS).UTC(),
		})
	}

	return klines, nil
}
