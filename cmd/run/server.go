package run

import (
	"context"
	"strconv"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/Mmx233/dsserver/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serverPort     int
	serverInstance string

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Start an echo data service",
		Long: "Start a data service that answers the server status commands and echoes\n" +
			"every data request. Useful as a manager-launched test target.",
		Args: cobra.NoArgs,
		RunE: runServer,
	}
)

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "override the configured listen port")
	serverCmd.Flags().StringVar(&serverInstance, "instance", "", "override the configured instance name")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "server-cmd").Logger()

	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadServerConfig(configFile, config.LoadEnv())
	if err != nil {
		return err
	}
	if serverPort > 0 {
		if cfg.InstanceName == strconv.Itoa(cfg.Port) {
			cfg.InstanceName = ""
		}
		cfg.Port = serverPort
		cfg.ApplyDefaults()
	}
	if serverInstance != "" {
		cfg.InstanceName = serverInstance
	}

	d := server.NewDispatcherFor(*cfg, func(ctx context.Context, cs *server.ConnectionState, req *protocol.Message) (*protocol.Message, error) {
		return req.Reply(protocol.CodeOK, req.Payload), nil
	})
	return runAcceptor(cfg, d.Serve, logger)
}
