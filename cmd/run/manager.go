package run

import (
	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/manager"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Start the manager service",
	Args:  cobra.NoArgs,
	RunE:  runManager,
}

func runManager(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "manager-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadManagerConfig(configFile, config.LoadEnv())
	if err != nil {
		return err
	}

	mgr := manager.New(*cfg)
	return runAcceptor(&cfg.Server, mgr.Dispatcher().Serve, logger)
}
