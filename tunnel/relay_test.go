package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/locator"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/Mmx233/dsserver/server"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, conf config.Tunnel) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	if conf.CommTimeout == 0 {
		conf.CommTimeout = 2 * time.Second
	}
	m := metrics.NewForTesting()
	srv := httptest.NewServer(New(conf, WithLogger(zerolog.Nop()), WithMetrics(m)))
	t.Cleanup(srv.Close)
	return srv, m
}

// echoTarget runs a loopback acceptor that echoes every request.
func echoTarget(t *testing.T) string {
	t.Helper()
	d := server.NewDispatcher(func(ctx context.Context, cs *server.ConnectionState, req *protocol.Message) (*protocol.Message, error) {
		return req.Reply(protocol.CodeOK, req.Payload), nil
	})
	conf := config.Server{ServiceName: "Echo", Listen: config.Listen{IP: "127.0.0.1"}}
	a := server.New(conf, d.Serve, server.WithLogger(zerolog.Nop()), server.WithMetrics(metrics.NewForTesting()))
	require.NoError(t, a.Open())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Run(ctx, 10*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a.Addr().String()
}

func post(t *testing.T, srv *httptest.Server, target string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/ds", bytes.NewReader(body))
	require.NoError(t, err)
	if target != "" {
		req.Header.Set(locator.TargetHeader, target)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestRelay_Forwards(t *testing.T) {
	target := echoTarget(t)
	srv, m := newTestRelay(t, config.Tunnel{})

	frame := protocol.Assemble(protocol.NewMessage(12, []byte("through the tunnel")))
	resp, body := post(t, srv, target, frame)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	reply, err := protocol.Disassemble(body)
	require.NoError(t, err)
	assert.Equal(t, int32(12), reply.Type)
	assert.Equal(t, []byte("through the tunnel"), reply.Payload)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelRequests.WithLabelValues("200")))
}

func TestRelay_UnreachableTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv, m := newTestRelay(t, config.Tunnel{})
	resp, _ := post(t, srv, target, protocol.Assemble(protocol.NewMessage(1, nil)))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelRequests.WithLabelValues("404")))
}

func TestRelay_RejectsBadRequests(t *testing.T) {
	target := echoTarget(t)
	valid := protocol.Assemble(protocol.NewMessage(1, nil))

	tests := []struct {
		name   string
		conf   config.Tunnel
		target string
		body   []byte
		status int
	}{
		{"missing target", config.Tunnel{}, "", valid, http.StatusBadRequest},
		{"target without port", config.Tunnel{}, "127.0.0.1", valid, http.StatusBadRequest},
		{"garbage body", config.Tunnel{}, target, []byte("not a frame at all, really"), http.StatusBadRequest},
		{"truncated body", config.Tunnel{}, target, valid[:protocol.HeaderSize-4], http.StatusBadRequest},
		{"host not allowed", config.Tunnel{AllowHosts: []string{"10.0.0.1"}}, target, valid, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, m := newTestRelay(t, tt.conf)
			resp, _ := post(t, srv, tt.target, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.TunnelRequests.WithLabelValues(strconv.Itoa(tt.status))))
		})
	}
}

func TestRelay_AllowedHost(t *testing.T) {
	target := echoTarget(t)
	srv, _ := newTestRelay(t, config.Tunnel{AllowHosts: []string{"127.0.0.1"}})

	resp, _ := post(t, srv, target, protocol.Assemble(protocol.NewMessage(1, []byte("ok"))))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelay_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestRelay(t, config.Tunnel{})
	resp, err := srv.Client().Get(srv.URL + "/ds")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRelay_SilentTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for conn := range accepted {
			_ = conn.Close()
		}
	})

	srv, _ := newTestRelay(t, config.Tunnel{CommTimeout: 100 * time.Millisecond})
	resp, _ := post(t, srv, ln.Addr().String(), protocol.Assemble(protocol.NewMessage(1, nil)))
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestRelay_ServeStopsOnCancel(t *testing.T) {
	relay := New(config.Tunnel{Listen: "127.0.0.1:0"}, WithLogger(zerolog.Nop()), WithMetrics(metrics.NewForTesting()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- relay.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
