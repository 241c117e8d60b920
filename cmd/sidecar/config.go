package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultHeartbeatInterval = 30 * time.Second

// SidecarConfig holds the full configuration for the agent sidecar.
// Values are loaded from a YAML file and can be overridden by environment variables.
type SidecarConfig struct {
	Agent   AgentSection   `yaml:"agent"`
	Manager ManagerSection `yaml:"manager"`
	NATS    NATSSection    `yaml:"nats"`
}

// AgentSection identifies the agent this sidecar runs next to.
type AgentSection struct {
	TeamID      string `yaml:"team_id"`
	AgentID     string `yaml:"agent_id"`
	ControlPath string `yaml:"control_path"`
}

// ManagerSection holds the heartbeat target.
type ManagerSection struct {
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// NATSSection holds NATS connection settings. An empty URL disables the
// control subscriber.
type NATSSection struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// LoadConfig reads a YAML config file and applies environment variable overrides.
// Environment variables take precedence over YAML values.
func LoadConfig(path string) (*SidecarConfig, error) {
	cfg := &SidecarConfig{}

	// Load from YAML file if path is provided and file exists.
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// Environment variable overrides.
	if v := os.Getenv("TEAM_ID"); v != "" {
		cfg.Agent.TeamID = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.Agent.AgentID = v
	}
	if v := os.Getenv("CONTROL_PATH"); v != "" {
		cfg.Agent.ControlPath = v
	}
	if v := os.Getenv("MANAGER_URL"); v != "" {
		cfg.Manager.URL = v
	}
	if v := os.Getenv("CREWNET_TOKEN"); v != "" {
		cfg.Manager.Token = v
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_INTERVAL %q: %w", v, err)
		}
		cfg.Manager.HeartbeatInterval = d
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("NATS_AUTH_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}

	// Validate required fields.
	if cfg.Agent.TeamID == "" {
		return nil, fmt.Errorf("team id is required (set via config file or TEAM_ID env)")
	}
	if cfg.Agent.AgentID == "" {
		return nil, fmt.Errorf("agent id is required (set via config file or AGENT_ID env)")
	}
	if cfg.Manager.URL == "" {
		return nil, fmt.Errorf("manager URL is required (set via config file or MANAGER_URL env)")
	}
	if cfg.Manager.Token == "" {
		return nil, fmt.Errorf("internal token is required (set via config file or CREWNET_TOKEN env)")
	}

	// Defaults.
	if cfg.Manager.HeartbeatInterval <= 0 {
		cfg.Manager.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Agent.ControlPath == "" {
		cfg.Agent.ControlPath = "/run/crewnet/control"
	}

	return cfg, nil
}
