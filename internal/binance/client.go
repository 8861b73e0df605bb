// Package binance wraps the USDT-margined perpetual futures REST endpoints
// consumed by the snapshot assembler, plus the process-wide exchange-filter
// cache and the universe selector.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"perpfeed/internal/market"
	"perpfeed/internal/net/httpx"
)

const (
	pathServerTime   = "/fapi/v1/time"
	pathExchangeInfo = "/fapi/v1/exchangeInfo"
	pathTicker24h    = "/fapi/v1/ticker/24hr"
	pathKlines       = "/fapi/v1/klines"
	pathFundingRate  = "/fapi/v1/fundingRate"
	pathOpenInterest = "/fapi/v1/openInterest"
)

// CacheTTLs sets the per-endpoint response-cache lifetimes.
type CacheTTLs struct {
	ExchangeInfo time.Duration
	Ticker       time.Duration
	Klines       time.Duration
}

// Client issues the REST calls. Transport policy (timeouts, retry, rate
// limiting, breaker) lives in the underlying httpx client.
type Client struct {
	http *httpx.Client
	ttls CacheTTLs
}

// NewClient wraps an httpx client with the futures endpoints.
func NewClient(http *httpx.Client, ttls CacheTTLs) *Client {
	return &Client{http: http, ttls: ttls}
}

// ServerTime fetches the upstream clock, useful as a connectivity probe.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.http.Get(ctx, pathServerTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	var resp serverTimeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("parse server time: %w", err)
	}
	if resp.ServerTime <= 0 {
		return time.Time{}, fmt.Errorf("invalid server time %d", resp.ServerTime)
	}
	return time.UnixMilli(resp.ServerTime).UTC(), nil
}

// exchangeFilters fetches exchange metadata and keeps only actively trading
// USDT-margined perpetuals with complete, positive filter values.
func (c *Client) exchangeFilters(ctx context.Context) (market.ExchangeFilters, error) {
	body, err := c.http.GetCached(ctx, pathExchangeInfo, nil, c.ttls.ExchangeInfo)
	if err != nil {
		return nil, err
	}

	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse exchange info: %w", err)
	}

	filters := make(market.ExchangeFilters)
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if s.ContractType != "" && s.ContractType != "PERPETUAL" {
			continue
		}
		if s.QuoteAsset != "" && s.QuoteAsset != "USDT" {
			continue
		}

		var tickSize, stepSize, minQty, minNotional float64
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				tickSize, _ = parseFloat(f.TickSize)
			case "LOT_SIZE":
				stepSize, _ = parseFloat(f.StepSize)
				minQty, _ = parseFloat(f.MinQty)
			case "MIN_NOTIONAL":
				if f.Notional != "" {
					minNotional, _ = parseFloat(f.Notional)
				} else {
					minNotional, _ = parseFloat(f.MinNotional)
				}
			}
		}
		if tickSize <= 0 || stepSize <= 0 || minQty <= 0 || minNotional <= 0 {
			continue
		}

		filters[s.Symbol] = market.SymbolFilters{
			TickSize:    tickSize,
			StepSize:    stepSize,
			MinQty:      minQty,
			MinNotional: minNotional,
		}
	}

	return filters, nil
}

// Ticker24h fetches the 24h ticker table, cached briefly since the same
// table backs both universe selection and snapshot volume lookups.
func (c *Client) Ticker24h(ctx context.Context) ([]Ticker, error) {
	body, err := c.http.GetCached(ctx, pathTicker24h, nil, c.ttls.Ticker)
	if err != nil {
		return nil, err
	}

	var rows []tickerRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse 24h ticker: %w", err)
	}

	tickers := make([]Ticker, 0, len(rows))
	for _, r := range rows {
		quoteVolume, _ := parseFloat(r.QuoteVolume)
		lastPrice, _ := parseFloat(r.LastPrice)
		changePct, _ := parseFloat(r.PriceChangePercent)
		tickers = append(tickers, Ticker{
			Symbol:             r.Symbol,
			QuoteVolume:        quoteVolume,
			LastPrice:          lastPrice,
			PriceChangePercent: changePct,
			CloseTime:          time.UnixMilli(r.CloseTime).UTC(),
		})
	}
	return tickers, nil
}

// Klines fetches up to limit closed candles, oldest first. 1h requests get
// one extra jittered attempt on failure to smooth over transient upstream
// inconsistency around the hour boundary.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.http.GetCached(ctx, pathKlines, params, c.ttls.Klines)
	if err != nil {
		if interval != market.IntervalH1 {
			return nil, err
		}
		jitter := time.Duration(200+rand.Intn(200)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(jitter):
		}
		body, err = c.http.Retry(1).GetCached(ctx, pathKlines, params, c.ttls.Klines)
		if err != nil {
			return nil, err
		}
	}

	return parseKlines(body)
}

// FundingRate fetches the most recent funding rate. A nil result means the
// upstream had no row for the symbol, which degrades the field rather than
// failing the caller.
func (c *Client) FundingRate(ctx context.Context, symbol string) (*float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "1")

	body, err := c.http.Get(ctx, pathFundingRate, params)
	if err != nil {
		return nil, err
	}

	var rows []fundingRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse funding rate: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	v, ok := parseFloat(rows[0].FundingRate)
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// OpenInterest fetches the current open interest for the symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (*float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.http.Get(ctx, pathOpenInterest, params)
	if err != nil {
		return nil, err
	}

	var resp openInterestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse open interest: %w", err)
	}
	v, ok := parseFloat(resp.OpenInterest)
	if !ok {
		return nil, nil
	}
	return &v, nil
}
