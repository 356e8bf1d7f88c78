package config

import (
	"fmt"
	"os"

	"github.com/Mmx233/dsserver/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string // --config flag value

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate configuration files",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "output config file path")
	Cmd.AddCommand(templateCmd("server", "data service", examples.ServerConfig))
	Cmd.AddCommand(templateCmd("client", "client transport", examples.ClientConfig))
	Cmd.AddCommand(templateCmd("manager", "manager service", examples.ManagerConfig))
	Cmd.AddCommand(templateCmd("tunnel", "tunnel relay", examples.TunnelConfig))
}

// GetConfigFile returns the value of the --config flag
func GetConfigFile() string {
	return configFile
}

func templateCmd(name, what string, template func() ([]byte, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: "Generate " + what + " configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeTemplate(GetConfigFile(), name, template)
		},
	}
}

func writeTemplate(outputPath, name string, template func() ([]byte, error)) error {
	logger := log.With().Str("com", "generate").Logger()

	// Check if file exists
	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("file already exists: %s", outputPath)
	}

	content, err := template()
	if err != nil {
		return fmt.Errorf("load %s config template: %w", name, err)
	}

	if err := os.WriteFile(outputPath, content, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger.Info().Str("file", outputPath).Msgf("generated %s configuration", name)
	return nil
}
