// Package server exposes the HTTP surface: snapshot assembly, health and
// WebSocket introspection, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"perpfeed/internal/binance"
	"perpfeed/internal/market"
	"perpfeed/internal/metrics"
	"perpfeed/internal/snapshot"
	"perpfeed/internal/stream"
)

// SnapshotBuilder assembles snapshots on demand.
type SnapshotBuilder interface {
	Build(ctx context.Context, opts snapshot.Options) (*market.MarketRawSnapshot, error)
}

// WSHealth reports the primary collector's state.
type WSHealth interface {
	Health() stream.Health
}

// AltStats reports the alt-1h collector's state.
type AltStats interface {
	Stats() stream.AltH1Stats
}

// Server routes the API. Construct with New and serve via Handler.
type Server struct {
	assembler SnapshotBuilder
	collector WSHealth
	backfill  AltStats
	reg       *metrics.Registry
	started   time.Time
}

// New wires the HTTP surface over the assembler and collectors.
func New(assembler SnapshotBuilder, collector WSHealth, backfill AltStats, reg *metrics.Registry) *Server {
	return &Server{
		assembler: assembler,
		collector: collector,
		backfill:  backfill,
		reg:       reg,
		started:   time.Now(),
	}
}

// Handler builds the routed handler with request logging attached.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/ws/health", s.handleWSHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	if s.reg != nil {
		r.Handle("/metrics", s.reg.Handler()).Methods(http.MethodGet)
	}
	r.Use(requestLogger)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleWSHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"kline":  s.collector.Health(),
		"alt_h1": s.backfill.Stats(),
	}
	if s.reg != nil {
		resp["counters"] = s.reg.Summary()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	opts := snapshot.Options{
		Strategy: binance.ParseStrategy(r.URL.Query().Get("universe")),
	}
	if raw := r.URL.Query().Get("topN"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "topN must be a positive integer"})
			return
		}
		opts.TopN = n
	}

	start := time.Now()
	snap, err := s.assembler.Build(r.Context(), opts)
	if err != nil {
		var incomplete *snapshot.UniverseIncompleteError
		if errors.As(err, &incomplete) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":    "universe_incomplete",
				"stage":    incomplete.Stage,
				"expected": incomplete.Expected,
				"actual":   incomplete.Actual,
			})
			return
		}
		var tooLarge *snapshot.TooLargeError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": "snapshot_too_large",
				"size":  tooLarge.Size,
				"limit": tooLarge.Limit,
			})
			return
		}
		log.Error().Err(err).Msg("snapshot build failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	snap.DurationMS = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
