package config

import (
	"fmt"
	"strconv"
	"time"
)

// Server configures a connection acceptor.
type Server struct {
	ServiceName  string `yaml:"service_name"`
	InstanceName string `yaml:"instance_name"` // defaults to the listen port
	Listen       `yaml:",inline"`

	MaxClients         int           `yaml:"max_clients"`          // concurrency ceiling, default 1024
	PollTimeout        time.Duration `yaml:"poll_timeout"`         // non-positive blocks until a client arrives
	MaxQuiescent       time.Duration `yaml:"max_quiescent"`        // zero disables idle shutdown
	DeniedReplyTimeout time.Duration `yaml:"denied_reply_timeout"` // bound on the service-denied reply
	ReadTimeout        time.Duration `yaml:"read_timeout"`         // bound on reading the request, negative waits indefinitely

	Debug          bool `yaml:"debug"`
	Verbose        bool `yaml:"verbose"`         // implies debug
	SingleThreaded bool `yaml:"single_threaded"` // run handlers inline on the accept loop

	MetricsAddr string `yaml:"metrics_addr"` // empty disables the /metrics endpoint
}

// ApplyDefaults fills zero-valued fields. PollTimeout and ReadTimeout are
// left alone when negative so callers can ask for an indefinite wait.
func (s *Server) ApplyDefaults() {
	if s.IP == "" {
		s.IP = "0.0.0.0"
	}
	if s.MaxClients <= 0 {
		s.MaxClients = DefaultMaxClients
	}
	if s.PollTimeout == 0 {
		s.PollTimeout = DefaultPollTimeout
	}
	if s.DeniedReplyTimeout <= 0 {
		s.DeniedReplyTimeout = DefaultDeniedReplyTimeout
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.Verbose {
		s.Debug = true
	}
	if s.InstanceName == "" {
		s.InstanceName = strconv.Itoa(s.Port)
	}
}

// Validate checks the acceptor configuration.
func (s *Server) Validate() error {
	if s.ServiceName == "" {
		return fmt.Errorf("service_name cannot be empty")
	}
	if _, err := s.GetIP(); err != nil {
		return err
	}
	if err := ValidatePort(s.Port, true); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.MaxQuiescent < 0 {
		return fmt.Errorf("max_quiescent cannot be negative, got %v", s.MaxQuiescent)
	}
	return nil
}
