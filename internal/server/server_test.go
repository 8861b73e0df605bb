package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpfeed/internal/binance"
	"perpfeed/internal/market"
	"perpfeed/internal/snapshot"
	"perpfeed/internal/stream"
)

type stubAssembler struct {
	snap *market.MarketRawSnapshot
	err  error
	opts snapshot.Options
}

func (s *stubAssembler) Build(ctx context.Context, opts snapshot.Options) (*market.MarketRawSnapshot, error) {
	s.opts = opts
	return s.snap, s.err
}

type stubHealth struct{}

func (stubHealth) Health() stream.Health {
	return stream.Health{Connected: true, Streams: 6}
}

type stubStats struct{}

func (stubStats) Stats() stream.AltH1Stats {
	return stream.AltH1Stats{Connected: true, Subscribed: 28, Ready: 25}
}

func testServer(assembler SnapshotBuilder) *httptest.Server {
	s := New(assembler, stubHealth{}, stubStats{}, nil)
	return httptest.NewServer(s.Handler())
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(&stubAssembler{})
	defer srv.Close()

	var body map[string]any
	status := getJSON(t, srv.URL+"/api/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestWSHealthEndpoint(t *testing.T) {
	srv := testServer(&stubAssembler{})
	defer srv.Close()

	var body struct {
		Kline stream.Health     `json:"kline"`
		AltH1 stream.AltH1Stats `json:"alt_h1"`
	}
	status := getJSON(t, srv.URL+"/api/ws/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Kline.Connected)
	assert.Equal(t, 6, body.Kline.Streams)
	assert.Equal(t, 28, body.AltH1.Subscribed)
}

func TestSnapshotEndpointReturnsPayloadWithDuration(t *testing.T) {
	stub := &stubAssembler{snap: &market.MarketRawSnapshot{
		SnapshotID:   "abc",
		FeedsOK:      true,
		DataWarnings: []string{},
		Universe:     []market.UniverseItem{},
	}}
	srv := testServer(stub)
	defer srv.Close()

	var body market.MarketRawSnapshot
	status := getJSON(t, srv.URL+"/api/snapshot?universe=gainers&topN=10", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "abc", body.SnapshotID)
	assert.True(t, body.FeedsOK)

	assert.Equal(t, binance.StrategyGainers, stub.opts.Strategy)
	assert.Equal(t, 10, stub.opts.TopN)
}

func TestSnapshotEndpointRejectsBadTopN(t *testing.T) {
	srv := testServer(&stubAssembler{})
	defer srv.Close()

	for _, q := range []string{"topN=zero", "topN=-1", "topN=0"} {
		var body map[string]any
		status := getJSON(t, srv.URL+"/api/snapshot?"+q, &body)
		assert.Equal(t, http.StatusBadRequest, status)
	}
}

func TestSnapshotEndpointMapsUniverseIncompleteTo503(t *testing.T) {
	stub := &stubAssembler{err: &snapshot.UniverseIncompleteError{
		Stage:    "assemble",
		Expected: 28,
		Actual:   20,
	}}
	srv := testServer(stub)
	defer srv.Close()

	var body map[string]any
	status := getJSON(t, srv.URL+"/api/snapshot", &body)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "universe_incomplete", body["error"])
	assert.Equal(t, float64(28), body["expected"])
	assert.Equal(t, float64(20), body["actual"])
	assert.Equal(t, "assemble", body["stage"])
}

func TestSnapshotEndpointMapsTooLargeTo500(t *testing.T) {
	stub := &stubAssembler{err: &snapshot.TooLargeError{Size: 3_000_000, Limit: 2_500_000}}
	srv := testServer(stub)
	defer srv.Close()

	var body map[string]any
	status := getJSON(t, srv.URL+"/api/snapshot", &body)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "snapshot_too_large", body["error"])
}

func TestSnapshotEndpointMapsOtherErrorsTo500(t *testing.T) {
	stub := &stubAssembler{err: errors.New("upstream exploded")}
	srv := testServer(stub)
	defer srv.Close()

	var body map[string]any
	status := getJSON(t, srv.URL+"/api/snapshot", &body)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Contains(t, body["error"], "upstream exploded")
}
