// Package config loads the manager configuration. Values come from an
// optional YAML file and are overridden by environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime kinds.
const (
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
	RuntimeNone       = "none"
)

// Nudge transports.
const (
	NudgeExec = "exec"
	NudgeNATS = "nats"
)

// Config is the full manager configuration.
type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`

	IRC      IRCSection      `yaml:"irc"`
	Auth     AuthSection     `yaml:"auth"`
	Runtime  RuntimeSection  `yaml:"runtime"`
	Nudge    NudgeSection    `yaml:"nudge"`
	NATS     NATSSection     `yaml:"nats"`
	Watchdog WatchdogSection `yaml:"watchdog"`
	Gateway  GatewaySection  `yaml:"gateway"`
	WS       WSSection       `yaml:"ws"`
}

// IRCSection controls how gateways reach each team's broker.
type IRCSection struct {
	// HostTemplate is formatted with the team name, e.g. "ergo-%s".
	HostTemplate string `yaml:"host_template"`
	Port         int    `yaml:"port"`
}

type AuthSection struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// RuntimeSection selects the container runtime used for console and exec
// nudge transports.
type RuntimeSection struct {
	Kind        string `yaml:"kind"`
	Namespace   string `yaml:"namespace"`
	TmuxSession string `yaml:"tmux_session"`
	ControlPath string `yaml:"control_path"`
}

type NudgeSection struct {
	Transport string `yaml:"transport"`
}

type NATSSection struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type WatchdogSection struct {
	Interval time.Duration `yaml:"interval"`
}

type GatewaySection struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
}

type WSSection struct {
	AllowedOrigins string `yaml:"allowed_origins"`
}

// Load reads path (if non-empty) and applies environment overrides, defaults
// and validation.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setString("LISTEN_ADDR", &cfg.ListenAddr)
	setString("DATABASE_PATH", &cfg.DatabasePath)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("IRC_HOST_TEMPLATE", &cfg.IRC.HostTemplate)
	setString("CREWNET_TOKEN_SECRET", &cfg.Auth.TokenSecret)
	setString("RUNTIME", &cfg.Runtime.Kind)
	setString("RUNTIME_NAMESPACE", &cfg.Runtime.Namespace)
	setString("TMUX_SESSION", &cfg.Runtime.TmuxSession)
	setString("CONTROL_PATH", &cfg.Runtime.ControlPath)
	setString("NUDGE_TRANSPORT", &cfg.Nudge.Transport)
	setString("NATS_URL", &cfg.NATS.URL)
	setString("NATS_AUTH_TOKEN", &cfg.NATS.Token)
	setString("ALLOWED_ORIGINS", &cfg.WS.AllowedOrigins)

	if v := os.Getenv("IRC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid IRC_PORT %q: %w", v, err)
		}
		cfg.IRC.Port = port
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"TOKEN_TTL", &cfg.Auth.TokenTTL},
		{"WATCHDOG_INTERVAL", &cfg.Watchdog.Interval},
		{"GATEWAY_SYNC_INTERVAL", &cfg.Gateway.SyncInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.env, v, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "crewnet.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.IRC.HostTemplate == "" {
		c.IRC.HostTemplate = "ergo-%s"
	}
	if c.IRC.Port == 0 {
		c.IRC.Port = 6667
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 720 * time.Hour
	}
	if c.Runtime.Kind == "" {
		c.Runtime.Kind = RuntimeDocker
	}
	if c.Runtime.Namespace == "" {
		c.Runtime.Namespace = "crewnet"
	}
	if c.Runtime.TmuxSession == "" {
		c.Runtime.TmuxSession = "agent"
	}
	if c.Runtime.ControlPath == "" {
		c.Runtime.ControlPath = "/run/crewnet/control"
	}
	if c.Nudge.Transport == "" {
		c.Nudge.Transport = NudgeExec
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = 15 * time.Second
	}
	if c.Gateway.SyncInterval == 0 {
		c.Gateway.SyncInterval = 30 * time.Second
	}
	if c.WS.AllowedOrigins == "" {
		c.WS.AllowedOrigins = "*"
	}
}

// Validate checks required fields and enumerations.
func (c *Config) Validate() error {
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("token secret is required (set via config file or CREWNET_TOKEN_SECRET env)")
	}
	if !strings.Contains(c.IRC.HostTemplate, "%s") {
		return fmt.Errorf("irc host template %q must contain %%s", c.IRC.HostTemplate)
	}
	if c.IRC.Port <= 0 || c.IRC.Port > 65535 {
		return fmt.Errorf("invalid irc port %d", c.IRC.Port)
	}
	switch c.Runtime.Kind {
	case RuntimeDocker, RuntimeKubernetes, RuntimeNone:
	default:
		return fmt.Errorf("unknown runtime %q (want docker, kubernetes or none)", c.Runtime.Kind)
	}
	switch c.Nudge.Transport {
	case NudgeExec:
	case NudgeNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("NATS URL is required for the nats nudge transport (set via config file or NATS_URL env)")
		}
	default:
		return fmt.Errorf("unknown nudge transport %q (want exec or nats)", c.Nudge.Transport)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IRCHost returns the broker host for a team name.
func (c *Config) IRCHost(teamName string) string {
	return fmt.Sprintf(c.IRC.HostTemplate, teamName)
}

// ParseLevel maps a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
