package config

import (
	"fmt"
	"net"
	"time"
)

// Tunnel configures the HTTP tunnel relay.
type Tunnel struct {
	Listen      string        `yaml:"listen"`       // HTTP listen address, default :8080
	CommTimeout time.Duration `yaml:"comm_timeout"` // bound on the relayed exchange
	MetricsAddr string        `yaml:"metrics_addr"`

	// AllowHosts restricts relaying to these target hosts. Empty allows any.
	AllowHosts []string `yaml:"allow_hosts"`
}

// Allowed reports whether the relay may forward to host.
func (t *Tunnel) Allowed(host string) bool {
	if len(t.AllowHosts) == 0 {
		return true
	}
	for _, h := range t.AllowHosts {
		if h == host {
			return true
		}
	}
	return false
}

// ApplyDefaults fills zero-valued fields.
func (t *Tunnel) ApplyDefaults() {
	if t.Listen == "" {
		t.Listen = DefaultTunnelListen
	}
	if t.CommTimeout <= 0 {
		t.CommTimeout = DefaultCommTimeout
	}
}

// Validate checks the relay configuration.
func (t *Tunnel) Validate() error {
	if _, _, err := net.SplitHostPort(t.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", t.Listen, err)
	}
	return nil
}
