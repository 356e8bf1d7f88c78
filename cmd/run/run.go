package run

import (
	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/tools"
	"github.com/spf13/cobra"
)

var (
	configFile = tools.GetenvDefault(config.EnvPrefix+"CONFIG", "config.yaml")
	Cmd        = &cobra.Command{
		Use:   "run",
		Short: "Run a data service, the manager service or the tunnel relay",
		Args:  cobra.NoArgs,
	}

	debugMode   bool
	verboseMode bool
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", configFile, "path of config file")
	Cmd.AddCommand(serverCmd)
	Cmd.AddCommand(managerCmd)
	Cmd.AddCommand(tunnelCmd)
}

// SetDebug passes the global log flags down to acceptor configurations.
func SetDebug(debug, verbose bool) {
	debugMode, verboseMode = debug, verbose
}
