package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"perpfeed/internal/binance"
	"perpfeed/internal/config"
	"perpfeed/internal/snapshot"
)

var (
	snapshotStrategy string
	snapshotTopN     int
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Assemble one snapshot and print it to stdout",
	Long: `Build a single raw snapshot over REST only (no WebSocket warm-up) and
write the JSON to stdout. Useful for smoke-testing upstream connectivity and
inspecting the payload shape.`,
	RunE: runSnapshot,
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotStrategy, "universe", "volume", "Ranking strategy: volume or gainers")
	snapshotCmd.Flags().IntVar(&snapshotTopN, "topN", 0, "Universe size override (0 uses the configured value)")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	snap, err := app.assembler.Build(context.Background(), snapshot.Options{
		Strategy: binance.ParseStrategy(snapshotStrategy),
		TopN:     snapshotTopN,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
