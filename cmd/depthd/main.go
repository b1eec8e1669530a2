// depthd is the order-book replication daemon: it mirrors Binance spot and
// futures depth locally, computes liquidity metrics, and serves them over
// HTTP.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/depthwatch/internal/app"
	"github.com/sawpanic/depthwatch/internal/config"
)

const (
	appName = "depthd"
	version = "v1.0.0"
)

var (
	flagConfig string
	flagLevel  string
	flagPairs  []string
	flagListen string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Binance depth replication and liquidity metrics daemon",
		Version: version,
		Long: `depthd maintains local replicas of Binance order books over diff streams,
derives spread, depth, slippage and liquidity-score metrics, persists them as
time series, and exposes everything on an HTTP facade.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to YAML configuration")
	serveCmd.Flags().StringVar(&flagLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().StringSliceVar(&flagPairs, "pairs", nil, "override the subscribed symbols")
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "override the facade listen address")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if len(flagPairs) > 0 {
		cfg.Pairs = cfg.Pairs[:0]
		for _, p := range flagPairs {
			cfg.Pairs = append(cfg.Pairs, strings.ToUpper(strings.TrimSpace(p)))
		}
	}
	if flagListen != "" {
		cfg.HTTP.ListenAddr = flagListen
	}
	if flagLevel != "" {
		cfg.Log.Level = flagLevel
	}
	applyLogLevel(cfg.Log.Level)

	log.Info().Str("version", version).Msg("depthd starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return app.New(cfg).Run(ctx)
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
