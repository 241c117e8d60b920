package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	agentNats "github.com/helmcode/crewnet/internal/nats"
	"github.com/helmcode/crewnet/internal/protocol"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting agent sidecar")

	configPath := os.Getenv("SIDECAR_CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/crewnet/sidecar.yaml"
	}
	// If config file doesn't exist, rely entirely on env vars.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"team", cfg.Agent.TeamID,
		"agent", cfg.Agent.AgentID,
		"manager", cfg.Manager.URL,
		"interval", cfg.Manager.HeartbeatInterval,
		"nats_url", cfg.NATS.URL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.NATS.URL != "" {
		natsConfig := agentNats.DefaultConfig(cfg.NATS.URL, cfg.Agent.TeamID+"-"+cfg.Agent.AgentID)
		natsConfig.Token = cfg.NATS.Token
		natsClient, err := agentNats.Connect(natsConfig)
		if err != nil {
			slog.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		subject, err := protocol.AgentControlSubject(cfg.Agent.TeamID, cfg.Agent.AgentID)
		if err != nil {
			slog.Error("invalid control subject", "error", err)
			os.Exit(1)
		}
		control := &controlFile{path: cfg.Agent.ControlPath}
		if err := natsClient.Subscribe(subject, control.handle); err != nil {
			slog.Error("failed to subscribe to control subject", "error", err)
			os.Exit(1)
		}
		slog.Info("listening for control commands", "subject", subject, "path", cfg.Agent.ControlPath)
	}

	hb := newHeartbeater(cfg.Manager.URL, cfg.Agent.TeamID, cfg.Agent.AgentID, cfg.Manager.Token)
	hb.run(ctx, cfg.Manager.HeartbeatInterval)

	slog.Info("agent sidecar stopped")
}
