package config

import (
	"fmt"
	"net/url"
	"time"
)

// Client configures the request/reply transport.
type Client struct {
	CommTimeout time.Duration `yaml:"comm_timeout"` // per-exchange timeout, default 30s
	PingTimeout time.Duration `yaml:"ping_timeout"` // manager exchange timeout, default 20s
	ManagerPort int           `yaml:"manager_port"` // well-known manager port, default 5430

	// CompressThreshold enables zstd payload compression for requests whose
	// payload is at least this many bytes. Zero disables compression.
	CompressThreshold int `yaml:"compress_threshold"`

	// DisableManagerStart skips the manager-start-and-retry recovery.
	DisableManagerStart bool `yaml:"disable_manager_start"`

	Forwarding Forwarding `yaml:"forwarding"`
}

// Forwarding holds the default tunnel and proxy used when a URL does not
// name its own.
type Forwarding struct {
	TunnelURL string `yaml:"tunnel_url"` // http://host[:port]/path of the tunnel relay
	ProxyURL  string `yaml:"proxy_url"`  // http://host[:port] of an HTTP proxy in front of the tunnel
}

// ApplyDefaults fills zero-valued fields.
func (c *Client) ApplyDefaults() {
	if c.CommTimeout <= 0 {
		c.CommTimeout = DefaultCommTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.ManagerPort == 0 {
		c.ManagerPort = DefaultManagerPort
	}
}

// Validate checks the transport configuration.
func (c *Client) Validate() error {
	if err := ValidatePort(c.ManagerPort, false); err != nil {
		return fmt.Errorf("manager_port: %w", err)
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("compress_threshold cannot be negative, got %d", c.CompressThreshold)
	}
	return c.Forwarding.Validate()
}

// Validate checks that configured forwarding URLs are absolute http URLs.
func (f Forwarding) Validate() error {
	for name, raw := range map[string]string{"tunnel_url": f.TunnelURL, "proxy_url": f.ProxyURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		if u.Scheme != "http" || u.Host == "" {
			return fmt.Errorf("invalid %s %q: must be an absolute http URL", name, raw)
		}
	}
	if f.ProxyURL != "" && f.TunnelURL == "" {
		return fmt.Errorf("proxy_url requires tunnel_url")
	}
	return nil
}
