package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"perpfeed/internal/binance"
	"perpfeed/internal/cache"
	"perpfeed/internal/config"
	"perpfeed/internal/metrics"
	"perpfeed/internal/net/httpx"
	"perpfeed/internal/server"
	"perpfeed/internal/snapshot"
	"perpfeed/internal/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the snapshot HTTP service",
	Long: `Start the long-running service: both WebSocket collectors, the REST
client with its response cache, and the HTTP API (snapshot assembly, health,
metrics).`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	// Probe upstream connectivity before accepting traffic.
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Binance.Timeout())
	serverTime, err := app.rest.ServerTime(probeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("upstream probe: %w", err)
	}
	log.Info().Time("server_time", serverTime).Msg("upstream reachable")

	go app.collector.Run(ctx)
	go app.backfill.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(app.assembler, app.collector, app.backfill, app.reg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("http server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// app holds the composed service graph.
type app struct {
	rest      *binance.Client
	assembler *snapshot.Assembler
	collector *stream.Collector
	backfill  *stream.AltH1Collector
	reg       *metrics.Registry
	ttlStore  *cache.TTLStore
}

// buildApp wires the full dependency graph from configuration.
func buildApp(cfg *config.Config) (*app, error) {
	reg := metrics.New()

	var store cache.Store
	var ttlStore *cache.TTLStore
	switch cfg.Cache.Backend {
	case "redis":
		store = cache.NewRedisStore(cfg.Cache.RedisAddr, "perpfeed")
	default:
		ttlStore = cache.NewTTLStore(cfg.Cache.MaxEntries)
		store = ttlStore
	}

	httpClient := httpx.New(httpx.Config{
		BaseURL:     cfg.Binance.BaseURL,
		Timeout:     cfg.Binance.Timeout(),
		MaxAttempts: cfg.Binance.Retry.MaxAttempts,
		BackoffBase: cfg.Binance.Retry.BackoffBase(),
		BackoffMax:  cfg.Binance.Retry.BackoffMax(),
		RPS:         cfg.Binance.RPS,
		Burst:       cfg.Binance.Burst,
		UserAgent:   "perpfeed/1.0",
	}, store, reg)

	rest := binance.NewClient(httpClient, binance.CacheTTLs{
		ExchangeInfo: cfg.Cache.ExchangeInfoTTL(),
		Ticker:       cfg.Cache.TickerTTL(),
		Klines:       cfg.Cache.KlinesTTL(),
	})

	collector := stream.NewCollector(stream.CollectorConfig{
		URL:         cfg.Binance.StreamURL,
		CoreSymbols: cfg.Stream.CoreSymbols,
		Capacity:    cfg.Stream.RingCapacity,
	}, reg)

	backfill := stream.NewAltH1Collector(stream.AltH1Config{
		URL:         cfg.Binance.RawWSURL,
		CoreSymbols: cfg.Stream.CoreSymbols,
	}, reg)

	assembler := snapshot.New(
		rest,
		binance.NewFilterCache(rest, cfg.Cache.ExchangeInfoTTL()),
		binance.NewUniverseSelector(rest),
		collector,
		backfill,
		snapshot.Config{
			TopN:             cfg.Universe.TopN,
			MinUniverse:      cfg.Universe.MinUniverse,
			Candles:          cfg.Snapshot.Candles,
			Concurrency:      cfg.Snapshot.Concurrency,
			GlobalDeadline:   cfg.Snapshot.GlobalDeadline(),
			StaleThreshold:   cfg.Snapshot.StaleThreshold(),
			MaxBytes:         cfg.Snapshot.MaxBytes,
			FundingMode:      snapshot.ParseMode(cfg.Snapshot.FundingMode),
			OpenInterestMode: snapshot.ParseMode(cfg.Snapshot.OpenInterestMode),
		},
		reg,
	)

	return &app{
		rest:      rest,
		assembler: assembler,
		collector: collector,
		backfill:  backfill,
		reg:       reg,
		ttlStore:  ttlStore,
	}, nil
}

func (a *app) close() {
	if a.ttlStore != nil {
		a.ttlStore.Stop()
	}
}
