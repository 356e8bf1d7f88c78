package call

import (
	"fmt"
	"os"

	"github.com/Mmx233/dsserver/protocol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	requestType int32
	compress    int

	sendCmd = &cobra.Command{
		Use:   "send URL [PAYLOAD|-]",
		Short: "Send one data request and print the reply payload",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runSend,
	}

	pingCmd = &cobra.Command{
		Use:   "ping URL",
		Short: "Check that a service is alive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r protocol.AliveReply
			if err := status(cmd.Context(), args[0], protocol.MsgTypeIsAlive, &r); err != nil {
				return err
			}
			fmt.Printf("%s instance %s alive, pid %d\n", r.Service, r.Instance, r.PID)
			return nil
		},
	}

	clientsCmd = &cobra.Command{
		Use:   "clients URL",
		Short: "Print a service's active client count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r protocol.NumClientsReply
			if err := status(cmd.Context(), args[0], protocol.MsgTypeGetNumClients, &r); err != nil {
				return err
			}
			fmt.Printf("%d/%d\n", r.Clients, r.MaxClients)
			return nil
		},
	}

	shutdownCmd = &cobra.Command{
		Use:   "shutdown URL",
		Short: "Ask a service to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := status(cmd.Context(), args[0], protocol.MsgTypeShutdown, nil); err != nil {
				return err
			}
			log.Info().Str("url", args[0]).Msg("shutdown acknowledged")
			return nil
		},
	}
)

func init() {
	sendCmd.Flags().Int32VarP(&requestType, "type", "t", 0, "request type")
	sendCmd.Flags().IntVar(&compress, "compress-above", 0, "compress payloads of at least this many bytes")
}

func runSend(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(args[1:])
	if err != nil {
		return err
	}
	t, target, err := setup(args[0])
	if err != nil {
		return err
	}

	msg := protocol.NewMessage(requestType, payload)
	protocol.CompressAbove(msg, compress)
	reply, err := t.CommunicateMessage(cmd.Context(), target, msg)
	if err != nil {
		return err
	}

	log.Debug().
		Int32("type", reply.Type).
		Str("code", protocol.CodeName(reply.ErrCode)).
		Int("payload", len(reply.Payload)).
		Msg("reply received")
	if reply.ErrCode != protocol.CodeOK {
		return fmt.Errorf("service replied %s: %s", protocol.CodeName(reply.ErrCode), protocol.ErrorText(reply))
	}
	_, err = os.Stdout.Write(reply.Payload)
	return err
}
