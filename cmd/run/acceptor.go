package run

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/server"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrFatalHandler is returned when a debug-mode handler failure stopped the
// acceptor.
var ErrFatalHandler = errors.New("handler failure stopped the service")

// runAcceptor opens an acceptor for conf and runs it, next to its metrics
// endpoint, until a signal, an exit decision or a fatal handler failure.
func runAcceptor(conf *config.Server, handler server.Handler, logger zerolog.Logger) error {
	if debugMode {
		conf.Debug = true
	}
	if verboseMode {
		conf.Verbose = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	acceptor := server.New(*conf, handler, server.WithMetrics(metrics.NewMetrics()))
	if err := acceptor.Open(); err != nil {
		return err
	}
	logger.Info().
		Str("service", acceptor.ServiceName()).
		Str("instance", acceptor.InstanceName()).
		Stringer("addr", acceptor.Addr()).
		Msg("listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return metrics.Serve(ctx, conf.MetricsAddr)
	})
	g.Go(func() error {
		// the metrics endpoint goes down with the acceptor
		defer stop()

		reason, err := acceptor.Run(ctx, conf.PollTimeout)
		if reason == server.ExitHandlerFatal {
			logger.Error().Err(err).Msg("handler failure in debug mode")
			return fmt.Errorf("%w: %w", ErrFatalHandler, err)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info().Stringer("reason", reason).Msg("service stopped")
		return nil
	})
	return g.Wait()
}
