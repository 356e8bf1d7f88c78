package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file and unmarshals it into the specified type.
// T must be a struct type that can be unmarshaled from YAML.
func LoadConfig[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadServerConfig reads an acceptor configuration, overlays the
// environment, applies defaults and validates the result.
func LoadServerConfig(path string, env Env) (*Server, error) {
	cfg, err := LoadConfig[Server](path)
	if err != nil {
		return nil, err
	}

	env.ApplyServer(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server configuration validation failed: %w", err)
	}

	logger := log.With().Str("com", "config-loader").Logger()
	logger.Info().
		Str("service", cfg.ServiceName).
		Int("port", cfg.Port).
		Int("max_clients", cfg.MaxClients).
		Msg("loaded server configuration")

	return cfg, nil
}

// LoadClientConfig reads a transport configuration. An empty path yields
// the defaults.
func LoadClientConfig(path string, env Env) (*Client, error) {
	cfg := &Client{}
	if path != "" {
		loaded, err := LoadConfig[Client](path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	env.ApplyClient(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadManagerConfig reads a manager service configuration.
func LoadManagerConfig(path string, env Env) (*Manager, error) {
	cfg, err := LoadConfig[Manager](path)
	if err != nil {
		return nil, err
	}

	env.ApplyServer(&cfg.Server)
	if env.ManagerPort > 0 && cfg.Server.Port == 0 {
		cfg.Server.Port = env.ManagerPort
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("manager configuration validation failed: %w", err)
	}

	logger := log.With().Str("com", "config-loader").Logger()
	logger.Info().
		Int("port", cfg.Server.Port).
		Int("services", len(cfg.Services)).
		Msg("loaded manager configuration")

	return cfg, nil
}

// LoadTunnelConfig reads a tunnel relay configuration.
func LoadTunnelConfig(path string) (*Tunnel, error) {
	cfg, err := LoadConfig[Tunnel](path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tunnel configuration validation failed: %w", err)
	}
	return cfg, nil
}
