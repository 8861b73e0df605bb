package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configPath string
	logLevel   string
)

// rootCmd is the base command for the perpfeed CLI
var rootCmd = &cobra.Command{
	Use:   "perpfeed",
	Short: "Perpetual futures market-data acquisition service",
	Long: `perpfeed collects USDT-margined perpetual futures market data from
Binance over REST and WebSocket and assembles point-in-time raw snapshots:
core-pair klines across 4h/1h/15m, a ranked alt universe on 1h, funding and
open interest, exchange filters, and a freshness verdict.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// setupLogging configures the global zerolog logger. Interactive terminals
// get the console writer; everything else gets JSON lines.
func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
