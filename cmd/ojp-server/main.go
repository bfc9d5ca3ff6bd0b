// Command ojp-server runs the Open J Proxy request dispatcher: the AMQP
// consumer (C11), its connection/XA pools (C4-C7), and the background
// session reaper, transaction sweeper, and stats reporter loops, plus the
// read-only admin HTTP surface. Grounded on the teacher pack's cobra +
// zerolog entry point (netresearch-ldap-manager/cmd/ldap-manager/main.go),
// retargeted at server.LoadConfig's viper+pflag layering instead of that
// teacher's internal/options package.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openjproxy/ojp/server"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ojp-server",
	Short: "Open J Proxy request dispatcher",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file (yaml/json/toml, read by viper)")
	rootCmd.Flags().String("amqp.url", "", "AMQP broker URL")
	rootCmd.Flags().String("admin.listen", "", "admin HTTP listen address")
	rootCmd.Flags().String("server.advertised", "", "this server's advertised host:port, for the client endpoint registry")
	rootCmd.Flags().String("jwt.signing_key", "", "HS256 signing key for session credential tokens")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, _ []string) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := server.LoadConfig(cmd.Flags(), configFile)
	if err != nil {
		return fmt.Errorf("ojp-server: %w", err)
	}
	if cfg.Debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	logger := log.Logger
	logger.Info().Str("amqp", cfg.AMQPURL).Str("admin", cfg.AdminListen).Msg("starting ojp-server")

	srv := server.NewServer(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	runErr := srv.Run(ctx)
	if closeErr := srv.Close(); closeErr != nil {
		logger.Error().Err(closeErr).Msg("error releasing pools during shutdown")
	}
	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("ojp-server: %w", runErr)
	}
	logger.Info().Msg("ojp-server stopped")
	return nil
}
