// iowatcher captures Linux block-layer traces from blktrace and relays them
// to a collector over QUIC, or ingests them locally.
package main

import (
	"fmt"
	"log"
	"time"

	"github.com/mrzor/iowatcher/internal/config"

	"github.com/spf13/cobra"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	return newRootCmd(cfg).Execute()
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "iowatcher",
		Short: "block I/O trace relay",
		Long: `Reads the binary event stream produced by blktrace, decodes and classifies
each record, and either prints it locally or relays the raw frames to a
collector over a QUIC stream.

Every flag defaults from its IOWATCHER_* environment variable. Tracing is
configured with the standard OTEL_* variables.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return cfg.Validate()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error (env: IOWATCHER_LOG_LEVEL)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json (env: IOWATCHER_LOG_FORMAT)")
	flags.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "Prometheus /metrics address, empty to disable (env: IOWATCHER_METRICS_LISTEN)")
	flags.StringVar(&cfg.Trust, "trust", cfg.Trust, "peer certificate policy: verify or insecure (env: IOWATCHER_TRUST)")
	flags.BoolVar(&cfg.EarlyData, "early-data", cfg.EarlyData, "send and accept 0-RTT data (env: IOWATCHER_EARLY_DATA)")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close a silent connection after this long (env: IOWATCHER_IDLE_TIMEOUT)")
	flags.DurationVar(&cfg.CloseTimeout, "close-timeout", cfg.CloseTimeout, "wait this long for the collector to drain on exit (env: IOWATCHER_CLOSE_TIMEOUT)")
	flags.StringVar(&cfg.Blktrace, "blktrace", cfg.Blktrace, "blktrace executable (env: IOWATCHER_BLKTRACE)")
	flags.StringVar(&cfg.Output, "output", cfg.Output, "ingested event output: none, text or otel (env: IOWATCHER_OUTPUT)")
	flags.StringVar(&cfg.Filter, "filter", cfg.Filter, "expression selecting ingested records, e.g. 'write && bytes > 4096' (env: IOWATCHER_FILTER)")

	rootCmd.AddCommand(
		newForkCmd(cfg),
		newIngestCmd(cfg),
		newConnectCmd(cfg),
		newServeCmd(cfg),
		newCertsCmd(),
	)
	return rootCmd
}

const (
	defaultListen       = ":7475"
	defaultCertValidity = 365 * 24 * time.Hour
)
