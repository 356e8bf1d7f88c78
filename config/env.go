package config

import (
	"time"

	"github.com/Mmx233/dsserver/tools"
)

// Recognized environment options.
const (
	EnvCommTimeout = "DS_COMM_TIMEOUT_MSECS"
	EnvPingTimeout = "DS_PING_TIMEOUT_MSECS"
	EnvMaxClients  = "DS_SERVER_MAX_CLIENTS"
	EnvManagerPort = "DS_SERVER_MGR_PORT"
)

// Env holds the environment-provided overrides. Zero values mean unset.
type Env struct {
	CommTimeout time.Duration
	PingTimeout time.Duration
	MaxClients  int
	ManagerPort int
}

// LoadEnv reads every recognized environment option once. Unparsable or
// non-positive values are ignored.
func LoadEnv() Env {
	var env Env
	if ms, ok := tools.GetenvInt(EnvCommTimeout); ok && ms > 0 {
		env.CommTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := tools.GetenvInt(EnvPingTimeout); ok && ms > 0 {
		env.PingTimeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := tools.GetenvInt(EnvMaxClients); ok && n > 0 {
		env.MaxClients = n
	}
	if port, ok := tools.GetenvInt(EnvManagerPort); ok && port > 0 && port <= 65535 {
		env.ManagerPort = port
	}
	return env
}

// ApplyServer overlays the environment onto an acceptor configuration.
func (e Env) ApplyServer(s *Server) {
	if e.MaxClients > 0 {
		s.MaxClients = e.MaxClients
	}
}

// ApplyClient overlays the environment onto a transport configuration.
func (e Env) ApplyClient(c *Client) {
	if e.CommTimeout > 0 {
		c.CommTimeout = e.CommTimeout
	}
	if e.PingTimeout > 0 {
		c.PingTimeout = e.PingTimeout
	}
	if e.ManagerPort > 0 {
		c.ManagerPort = e.ManagerPort
	}
}
