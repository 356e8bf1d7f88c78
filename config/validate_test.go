package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerValidate(t *testing.T) {
	valid := Server{ServiceName: "svc", Listen: Listen{IP: "127.0.0.1", Port: 0}}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Server)
	}{
		{"empty service", func(s *Server) { s.ServiceName = "" }},
		{"bad ip", func(s *Server) { s.IP = "not-an-ip" }},
		{"port out of range", func(s *Server) { s.Port = 70000 }},
		{"negative quiescence", func(s *Server) { s.MaxQuiescent = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestForwardingValidate(t *testing.T) {
	tests := []struct {
		name    string
		fwd     Forwarding
		wantErr bool
	}{
		{"empty", Forwarding{}, false},
		{"tunnel only", Forwarding{TunnelURL: "http://tunnel:8080/ds"}, false},
		{"tunnel and proxy", Forwarding{TunnelURL: "http://tunnel/ds", ProxyURL: "http://proxy:3128"}, false},
		{"proxy without tunnel", Forwarding{ProxyURL: "http://proxy:3128"}, true},
		{"https tunnel", Forwarding{TunnelURL: "https://tunnel/ds"}, true},
		{"relative tunnel", Forwarding{TunnelURL: "/ds"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fwd.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTunnelValidate(t *testing.T) {
	assert.NoError(t, (&Tunnel{Listen: ":8080"}).Validate())
	assert.Error(t, (&Tunnel{Listen: "8080"}).Validate())
}
