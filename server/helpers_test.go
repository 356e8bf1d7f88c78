package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type runResult struct {
	reason ExitReason
	err    error
}

func testConfig() config.Server {
	return config.Server{
		ServiceName: "TestServer",
		Listen:      config.Listen{IP: "127.0.0.1", Port: 0},
	}
}

func newTestAcceptor(t *testing.T, conf config.Server, handler Handler, opts ...Option) (*Acceptor, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewForTesting()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithMetrics(m)}, opts...)
	a := New(conf, handler, opts...)
	require.NoError(t, a.Open())
	return a, m
}

func runAsync(ctx context.Context, a *Acceptor, pollTimeout time.Duration) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		reason, err := a.Run(ctx, pollTimeout)
		ch <- runResult{reason, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("acceptor did not stop")
		return runResult{}
	}
}

func exchange(t *testing.T, addr net.Addr, req *protocol.Message) *protocol.Message {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, protocol.WriteFrame(conn, req))
	reply, err := protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	return reply
}

func echoHandler(_ context.Context, _ *ConnectionState, req *protocol.Message) (*protocol.Message, error) {
	return req.Reply(protocol.CodeOK, req.Payload), nil
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker")
	}
}
