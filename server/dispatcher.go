package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/protocol"
)

// MessageHandler answers one decoded request. A nil reply with a nil error
// sends an empty success reply.
type MessageHandler func(ctx context.Context, cs *ConnectionState, req *protocol.Message) (*protocol.Message, error)

// Dispatcher is a Handler that reads one request envelope per connection,
// answers server status commands itself and passes everything else to
// Data.
type Dispatcher struct {
	Data        MessageHandler
	ReadTimeout time.Duration // zero waits for the request indefinitely
	MaxFrame    int           // zero means protocol.MaxFrameSize

	commands map[int32]MessageHandler
}

// NewDispatcher returns a dispatcher passing data requests to data.
func NewDispatcher(data MessageHandler) *Dispatcher {
	return &Dispatcher{Data: data}
}

// NewDispatcherFor returns a dispatcher that waits at most conf.ReadTimeout
// for each request.
func NewDispatcherFor(conf config.Server, data MessageHandler) *Dispatcher {
	conf.ApplyDefaults()
	d := NewDispatcher(data)
	if conf.ReadTimeout > 0 {
		d.ReadTimeout = conf.ReadTimeout
	}
	return d
}

// HandleCommand registers an additional server status command.
func (d *Dispatcher) HandleCommand(msgType int32, h MessageHandler) {
	if d.commands == nil {
		d.commands = make(map[int32]MessageHandler)
	}
	d.commands[msgType] = h
}

// Serve implements Handler.
func (d *Dispatcher) Serve(ctx context.Context, cs *ConnectionState) error {
	if d.ReadTimeout > 0 {
		_ = cs.Conn.SetReadDeadline(time.Now().Add(d.ReadTimeout))
	}

	req, err := protocol.ReadFrame(cs.Conn, d.MaxFrame)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			// Connected and closed without a request, as a port probe does.
			cs.Logger.Debug().Msg("connection closed before request")
			return nil
		case protocol.IsDecodeError(err):
			d.reply(cs, protocol.ErrorMessage(nil, protocol.CodeBadMessage, err.Error()))
			return fmt.Errorf("decode request: %w", err)
		default:
			d.reply(cs, protocol.ErrorMessage(nil, protocol.CodeServerError, err.Error()))
			return fmt.Errorf("read request: %w", err)
		}
	}
	_ = cs.Conn.SetReadDeadline(time.Time{})

	cs.Logger.Debug().
		Int32("type", req.Type).
		Stringer("category", req.Category).
		Int("payload", len(req.Payload)).
		Msg("request received")

	if req.Category == protocol.CategoryServerStatus {
		return d.serveCommand(ctx, cs, req)
	}
	if d.Data == nil {
		d.reply(cs, protocol.ErrorMessage(req, protocol.CodeUnknownCommand, "service accepts no data requests"))
		return nil
	}
	return d.run(ctx, cs, req, d.Data)
}

func (d *Dispatcher) serveCommand(ctx context.Context, cs *ConnectionState, req *protocol.Message) error {
	if h, ok := d.commands[req.Type]; ok {
		return d.run(ctx, cs, req, h)
	}

	switch req.Type {
	case protocol.MsgTypeIsAlive:
		payload, err := protocol.EncodePayload(protocol.AliveReply{
			PID:      os.Getpid(),
			Service:  cs.Server.ServiceName(),
			Instance: cs.Server.InstanceName(),
		})
		if err != nil {
			return err
		}
		return d.reply(cs, req.Reply(protocol.CodeOK, payload))

	case protocol.MsgTypeGetNumClients:
		payload, err := protocol.EncodePayload(protocol.NumClientsReply{
			Clients:    cs.Server.ActiveClients(),
			MaxClients: cs.Server.MaxClients(),
		})
		if err != nil {
			return err
		}
		return d.reply(cs, req.Reply(protocol.CodeOK, payload))

	case protocol.MsgTypeShutdown:
		cs.Logger.Info().Msg("shutdown command received")
		if err := d.reply(cs, req.Reply(protocol.CodeOK, nil)); err != nil {
			cs.Logger.Debug().Err(err).Msg("shutdown acknowledgement not delivered")
		}
		return ErrShutdownRequested

	default:
		cs.Logger.Warn().Int32("type", req.Type).Msg("unknown server command")
		return d.reply(cs, protocol.ErrorMessage(req, protocol.CodeUnknownCommand,
			fmt.Sprintf("unknown server command %d", req.Type)))
	}
}

func (d *Dispatcher) run(ctx context.Context, cs *ConnectionState, req *protocol.Message, h MessageHandler) error {
	reply, err := h(ctx, cs, req)
	if err != nil {
		d.reply(cs, protocol.ErrorMessage(req, protocol.CodeServerError, err.Error()))
		return err
	}
	if reply == nil {
		reply = req.Reply(protocol.CodeOK, nil)
	}
	return d.reply(cs, reply)
}

func (d *Dispatcher) reply(cs *ConnectionState, msg *protocol.Message) error {
	if err := protocol.WriteFrame(cs.Conn, msg); err != nil {
		cs.Logger.Debug().Err(err).Msg("send reply failed")
		return err
	}
	return nil
}
