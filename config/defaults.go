package config

import (
	"time"
)

// Default timeout and sizing values
const (
	// DefaultMaxClients is the acceptor's concurrency ceiling
	DefaultMaxClients = 1024

	// DefaultPollTimeout is how long the accept loop waits before handing
	// control back to the idle hook
	DefaultPollTimeout = time.Second

	// DefaultDeniedReplyTimeout bounds the service-denied reply written to
	// a refused connection
	DefaultDeniedReplyTimeout = time.Second

	// DefaultReadTimeout bounds how long a worker waits for the request
	// envelope after accepting a connection
	DefaultReadTimeout = 30 * time.Second

	// DefaultCommTimeout bounds every blocking step of a client exchange
	DefaultCommTimeout = 30 * time.Second

	// DefaultPingTimeout bounds the exchange with the manager service
	DefaultPingTimeout = 20 * time.Second

	// ForwardingMargin is added to the comm timeout when a request travels
	// through a tunnel or proxy
	ForwardingMargin = 3 * time.Second

	// DefaultManagerPort is the well-known manager service port
	DefaultManagerPort = 5430

	// DefaultStartTimeout is how long the manager waits for a launched
	// service to start answering on its port
	DefaultStartTimeout = 10 * time.Second

	// DefaultTunnelListen is the relay's default HTTP listen address
	DefaultTunnelListen = ":8080"
)
