package config

import (
	"fmt"
	"net"
	"strconv"
)

const (
	EnvPrefix = "DSSERVER_"
)

type Listen struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", l.IP)
	}
	return ip, nil
}

// Addr returns the listen address in host:port form.
func (l Listen) Addr() string {
	return net.JoinHostPort(l.IP, strconv.Itoa(l.Port))
}

// ValidatePort checks that port is usable as a TCP port. Zero is accepted
// only when allowZero is set (ephemeral listen port).
func ValidatePort(port int, allowZero bool) error {
	if port == 0 && allowZero {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}
