package call

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Mmx233/dsserver/client"
	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/locator"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/Mmx233/dsserver/tools"
	"github.com/spf13/cobra"
)

var (
	configFile = tools.GetenvDefault(config.EnvPrefix+"CLIENT_CONFIG", "")
	tunnelURL  string
	proxyURL   string
	noStart    bool

	Cmd = &cobra.Command{
		Use:   "call",
		Short: "Send requests to a data service",
		Args:  cobra.NoArgs,
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", configFile, "path of client config file, defaults apply when empty")
	Cmd.PersistentFlags().StringVar(&tunnelURL, "tunnel", "", "forward through this tunnel relay URL")
	Cmd.PersistentFlags().StringVar(&proxyURL, "proxy", "", "reach the tunnel through this HTTP proxy URL")
	Cmd.PersistentFlags().BoolVar(&noStart, "no-start", false, "do not ask the manager to start an absent service")
	Cmd.AddCommand(sendCmd)
	Cmd.AddCommand(pingCmd)
	Cmd.AddCommand(clientsCmd)
	Cmd.AddCommand(shutdownCmd)
}

// setup loads the transport and resolves rawURL.
func setup(rawURL string) (*client.Transport, *locator.Target, error) {
	cfg, err := config.LoadClientConfig(configFile, config.LoadEnv())
	if err != nil {
		return nil, nil, err
	}
	if tunnelURL != "" {
		cfg.Forwarding.TunnelURL = tunnelURL
	}
	if proxyURL != "" {
		cfg.Forwarding.ProxyURL = proxyURL
	}
	if noStart {
		cfg.DisableManagerStart = true
	}
	if err := cfg.Forwarding.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid forwarding flags: %w", err)
	}

	t := client.New(*cfg)
	target, err := t.Resolve(rawURL)
	if err != nil {
		return nil, nil, err
	}
	return t, target, nil
}

// status sends a server status command and decodes the reply payload into v.
func status(ctx context.Context, rawURL string, msgType int32, v interface{}) error {
	t, target, err := setup(rawURL)
	if err != nil {
		return err
	}
	req, err := protocol.NewStatusMessage(msgType, nil)
	if err != nil {
		return err
	}
	reply, err := t.CommunicateMessage(ctx, target, req)
	if err != nil {
		return err
	}
	if reply.ErrCode != protocol.CodeOK {
		return fmt.Errorf("%s replied %s: %s", target.Addr(), protocol.CodeName(reply.ErrCode), protocol.ErrorText(reply))
	}
	if v == nil {
		return nil
	}
	return protocol.DecodePayload(reply.Payload, v)
}

func readPayload(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	return []byte(args[0]), nil
}
