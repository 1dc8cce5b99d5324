// Package config loads and persists the instance-level configuration
// document at <root>/config.json: backend port, frontend port, and the
// tool-server supervisor's mcp port range.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Coder-Upsilon/little-kb/internal/supervisor"
)

// BackendConfig configures the REST facade's listen address.
type BackendConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// FrontendConfig configures the (optional) web UI's listen port.
type FrontendConfig struct {
	Port int `json:"port"`
}

// MCPConfig configures the tool-server supervisor's port band.
type MCPConfig struct {
	StartPort int `json:"start_port"`
	MaxPort   int `json:"max_port"`
}

// Config is the instance-level configuration document persisted at
// <root>/config.json. Every field is optional on disk; missing fields
// resolve to Default's values.
type Config struct {
	Backend  BackendConfig  `json:"backend"`
	Frontend FrontendConfig `json:"frontend"`
	MCP      MCPConfig      `json:"mcp"`
}

// Default returns the configuration used when config.json is absent or
// omits a field.
func Default() *Config {
	return &Config{
		Backend:  BackendConfig{Port: 8000, Host: "0.0.0.0"},
		Frontend: FrontendConfig{Port: 3000},
		MCP:      MCPConfig{StartPort: 8100, MaxPort: 8200},
	}
}

// PortRange returns the configured MCP port band as a supervisor.PortRange.
func (c *Config) PortRange() supervisor.PortRange {
	return supervisor.PortRange{Start: c.MCP.StartPort, Max: c.MCP.MaxPort}
}

// path returns the on-disk location of the config document for a data root.
func path(dataDir string) string {
	return filepath.Join(dataDir, "config.json")
}

// Load reads config.json from dataDir, falling back to Default() for any
// field left as its zero value in the file and for a wholly missing file.
func Load(dataDir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path(dataDir))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path(dataDir), err)
	}

	if cfg.Backend.Port == 0 {
		cfg.Backend.Port = Default().Backend.Port
	}
	if cfg.Backend.Host == "" {
		cfg.Backend.Host = Default().Backend.Host
	}
	if cfg.Frontend.Port == 0 {
		cfg.Frontend.Port = Default().Frontend.Port
	}
	if cfg.MCP.StartPort == 0 {
		cfg.MCP.StartPort = Default().MCP.StartPort
	}
	if cfg.MCP.MaxPort == 0 {
		cfg.MCP.MaxPort = Default().MCP.MaxPort
	}

	return cfg, nil
}

// Save writes the config document to <dataDir>/config.json, creating
// dataDir if necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dataDir, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp := path(dataDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err := os.Rename(tmp, path(dataDir)); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Validate checks that the configured ports and port range are sane.
func (c *Config) Validate() error {
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("config: invalid backend port %d", c.Backend.Port)
	}
	if c.Frontend.Port <= 0 || c.Frontend.Port > 65535 {
		return fmt.Errorf("config: invalid frontend port %d", c.Frontend.Port)
	}
	if c.MCP.StartPort <= 0 || c.MCP.MaxPort <= 0 || c.MCP.StartPort > c.MCP.MaxPort {
		return fmt.Errorf("config: invalid mcp port range [%d,%d]", c.MCP.StartPort, c.MCP.MaxPort)
	}
	return nil
}

// DefaultDataDir returns the default instance data root, ~/.little-kb.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".little-kb"), nil
}
