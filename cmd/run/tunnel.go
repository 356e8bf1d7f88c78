package run

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/tunnel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Start the HTTP tunnel relay",
	Args:  cobra.NoArgs,
	RunE:  runTunnel,
}

func runTunnel(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "tunnel-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadTunnelConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relay := tunnel.New(*cfg, tunnel.WithMetrics(metrics.NewMetrics()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.Serve(ctx, cfg.MetricsAddr)
	})
	g.Go(func() error {
		defer stop()
		return relay.Serve(ctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("tunnel relay stopped")
	return nil
}
