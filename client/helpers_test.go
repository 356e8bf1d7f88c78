package client

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/locator"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/Mmx233/dsserver/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// service is a live acceptor used as a target or a manager in tests.
type service struct {
	acceptor *server.Acceptor
	requests atomic.Int64
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *service) Port() int {
	return s.acceptor.Addr().(*net.TCPAddr).Port
}

func (s *service) Stop() {
	s.cancel()
	<-s.done
}

func startService(t *testing.T, port int, d *server.Dispatcher) *service {
	t.Helper()
	s, err := runService(port, d)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// runService starts an acceptor serving d. The caller must Stop it.
func runService(port int, d *server.Dispatcher) (*service, error) {
	s := &service{done: make(chan struct{})}
	serve := d.Serve
	handler := func(ctx context.Context, cs *server.ConnectionState) error {
		s.requests.Add(1)
		return serve(ctx, cs)
	}

	conf := config.Server{ServiceName: "TestService", Listen: config.Listen{IP: "127.0.0.1", Port: port}}
	s.acceptor = server.New(conf, handler, server.WithLogger(zerolog.Nop()), server.WithMetrics(metrics.NewForTesting()))
	if err := s.acceptor.Open(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		_, _ = s.acceptor.Run(ctx, 10*time.Millisecond)
	}()
	return s, nil
}

func echoDispatcher() *server.Dispatcher {
	return server.NewDispatcher(func(ctx context.Context, cs *server.ConnectionState, req *protocol.Message) (*protocol.Message, error) {
		return req.Reply(protocol.CodeOK, req.Payload), nil
	})
}

func echoService(t *testing.T) *service {
	return startService(t, 0, echoDispatcher())
}

// managerService answers every start request with code, optionally running
// onStart first.
func managerService(t *testing.T, code int32, onStart func(req protocol.StartServerRequest)) *service {
	d := server.NewDispatcher(nil)
	d.HandleCommand(protocol.MsgTypeStartServer, func(ctx context.Context, cs *server.ConnectionState, req *protocol.Message) (*protocol.Message, error) {
		var start protocol.StartServerRequest
		if err := protocol.DecodePayload(req.Payload, &start); err != nil {
			return nil, err
		}
		if onStart != nil {
			onStart(start)
		}
		return req.Reply(code, nil), nil
	})
	return startService(t, 0, d)
}

// freePort returns a loopback port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTestTransport(conf config.Client) (*Transport, *metrics.Metrics) {
	if conf.CommTimeout == 0 {
		conf.CommTimeout = 2 * time.Second
	}
	if conf.PingTimeout == 0 {
		conf.PingTimeout = 2 * time.Second
	}
	m := metrics.NewForTesting()
	return New(conf, WithLogger(zerolog.Nop()), WithMetrics(m)), m
}

func target(t *testing.T, port int, fwd config.Forwarding) *locator.Target {
	t.Helper()
	tg, err := locator.ResolveString("mdvp:://127.0.0.1:"+strconv.Itoa(port)+":mdv/test", fwd)
	require.NoError(t, err)
	return tg
}

// rawServer accepts connections on loopback and hands each to handle.
// It stops when the test finishes.
func rawServer(t *testing.T, handle func(conn net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				handle(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return ln.Addr().(*net.TCPAddr).Port
}
