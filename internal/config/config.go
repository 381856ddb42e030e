// Package config loads the qapictl machine inventory from a TOML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Machine describes one monitor or agent endpoint.
type Machine struct {
	Socket   string `toml:"socket"`   // unix path or host:port
	Network  string `toml:"network"`  // "unix" (default) or "tcp"
	Protocol string `toml:"protocol"` // "qmp" (default) or "qga"
}

// Config is the qapictl configuration.
type Config struct {
	LogLevel string             `toml:"log_level"`
	Machines map[string]Machine `toml:"machines"`
}

// DefaultPath returns the config file location: $QAPICTL_CONFIG if set,
// else ~/.config/qapictl/config.toml.
func DefaultPath() string {
	if p := os.Getenv("QAPICTL_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "qapictl", "config.toml")
}

// Load reads the config at path. An empty path means DefaultPath, and a
// missing file at the default location is not an error; the environment
// can describe a machine on its own.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	cfg := &Config{Machines: map[string]Machine{}}
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if cfg.Machines == nil {
		cfg.Machines = map[string]Machine{}
	}
	return cfg, nil
}

// Resolve picks the machine to talk to. A named machine must exist in the
// inventory; an empty name falls back to the QAPICTL_SOCKET /
// QAPICTL_NETWORK / QAPICTL_PROTOCOL environment. Environment variables
// override the chosen machine's fields either way.
func (c *Config) Resolve(name string) (Machine, error) {
	var m Machine
	if name != "" {
		var ok bool
		m, ok = c.Machines[name]
		if !ok {
			return Machine{}, fmt.Errorf("unknown machine %q", name)
		}
	}
	m.Socket = getEnv("QAPICTL_SOCKET", m.Socket)
	m.Network = getEnv("QAPICTL_NETWORK", m.Network)
	m.Protocol = getEnv("QAPICTL_PROTOCOL", m.Protocol)
	if m.Socket == "" {
		return Machine{}, errors.New("no socket configured: name a machine or set QAPICTL_SOCKET")
	}
	if m.Network == "" {
		m.Network = "unix"
	}
	if m.Protocol == "" {
		m.Protocol = "qmp"
	}
	switch m.Protocol {
	case "qmp", "qga":
	default:
		return Machine{}, fmt.Errorf("unknown protocol %q", m.Protocol)
	}
	switch m.Network {
	case "unix", "tcp":
	default:
		return Machine{}, fmt.Errorf("unknown network %q", m.Network)
	}
	return m, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
