package config

import (
	"fmt"
	"time"
)

// Manager configures the manager service, which starts registered
// services on demand.
type Manager struct {
	Server       Server        `yaml:"server"`
	StartTimeout time.Duration `yaml:"start_timeout"` // wait for a launched service to answer

	// Hosts lists the host names the manager answers for in addition to
	// the machine's own names and addresses.
	Hosts []string `yaml:"hosts"`

	// Services maps a service (URL protocol) name to the command that
	// starts it.
	Services map[string]ManagedService `yaml:"services"`
}

// ManagedService describes how to launch one service. Args may contain the
// placeholders {port} and {instance}.
type ManagedService struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// ApplyDefaults fills zero-valued fields.
func (m *Manager) ApplyDefaults() {
	if m.Server.ServiceName == "" {
		m.Server.ServiceName = "DsServerMgr"
	}
	if m.Server.Port == 0 {
		m.Server.Port = DefaultManagerPort
	}
	if m.StartTimeout <= 0 {
		m.StartTimeout = DefaultStartTimeout
	}
	m.Server.ApplyDefaults()
}

// Validate checks the manager configuration.
func (m *Manager) Validate() error {
	if err := m.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	for name, svc := range m.Services {
		if svc.Command == "" {
			return fmt.Errorf("service %q: command cannot be empty", name)
		}
	}
	return nil
}
