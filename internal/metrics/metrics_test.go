package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRegistryIsNoOp(t *testing.T) {
	var r *Registry

	r.ObserveSnapshot(time.Second, 1024)
	r.IncSnapshotError("stage")
	r.IncHTTPRetry()
	r.IncCacheHit()
	r.IncCacheMiss()
	r.IncWSReconnect("kline")
	r.IncWSBar("kline")

	assert.Empty(t, r.Summary())
}

func TestSummaryReflectsRecordedValues(t *testing.T) {
	r := New()

	r.ObserveSnapshot(1200*time.Millisecond, 4096)
	r.IncHTTPRetry()
	r.IncHTTPRetry()
	r.IncWSReconnect("alt_h1")
	r.IncSnapshotError("ticker")

	got := r.Summary()
	assert.Equal(t, 2.0, got["perpfeed_http_retries_total"])
	assert.Equal(t, 4096.0, got["perpfeed_snapshot_bytes"])
	assert.Equal(t, 1.0, got["perpfeed_snapshot_duration_seconds"])
	assert.Equal(t, 1.0, got["perpfeed_ws_reconnects_total{collector=alt_h1}"])
	assert.Equal(t, 1.0, got["perpfeed_snapshot_errors_total{stage=ticker}"])
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.IncCacheHit()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "perpfeed_response_cache_hits_total 1")
}
