package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/helmcode/crewnet/internal/api"
	"github.com/helmcode/crewnet/internal/auth"
	"github.com/helmcode/crewnet/internal/config"
	"github.com/helmcode/crewnet/internal/gateway"
	"github.com/helmcode/crewnet/internal/hub"
	"github.com/helmcode/crewnet/internal/metrics"
	"github.com/helmcode/crewnet/internal/models"
	agentNats "github.com/helmcode/crewnet/internal/nats"
	"github.com/helmcode/crewnet/internal/router"
	"github.com/helmcode/crewnet/internal/runtime"
	"github.com/helmcode/crewnet/internal/store"
	"github.com/helmcode/crewnet/internal/watchdog"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the manager: HTTP API, WebSocket hub, gateways and watchdog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", os.Getenv("CREWNET_CONFIG"), "Path to the YAML config file (env: CREWNET_CONFIG)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address, overrides listen_addr")
	return cmd
}

// transports builds the console transport and the nudge transport chosen by
// cfg. Either may be nil. closer releases whatever was opened.
func transports(cfg *config.Config) (console hub.Console, nudger watchdog.Nudger, closer func(), err error) {
	closer = func() {}

	var exec runtime.Executor
	switch cfg.Runtime.Kind {
	case config.RuntimeDocker:
		slog.Info("initializing docker runtime")
		exec, err = runtime.NewDockerExecutor()
	case config.RuntimeKubernetes:
		slog.Info("initializing kubernetes runtime", "namespace", cfg.Runtime.Namespace)
		exec, err = runtime.NewK8sExecutor(cfg.Runtime.Namespace)
	default:
		slog.Warn("no container runtime configured, console and exec nudges are disabled")
	}
	if err != nil {
		return nil, nil, closer, err
	}

	var tr *runtime.Transport
	if exec != nil {
		tr = runtime.NewTransport(exec, cfg.Runtime.TmuxSession, cfg.Runtime.ControlPath)
		console = tr
	}

	switch cfg.Nudge.Transport {
	case config.NudgeNATS:
		natsConfig := agentNats.DefaultConfig(cfg.NATS.URL, "crewnet-manager")
		natsConfig.Token = cfg.NATS.Token
		client, err := agentNats.Connect(natsConfig)
		if err != nil {
			return nil, nil, closer, err
		}
		nudger = agentNats.NewNudger(client, "crewnet-manager")
		closer = client.Close
	default:
		if tr != nil {
			nudger = tr
		}
	}
	return console, nudger, closer, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	level, _ := config.ParseLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	slog.Info("starting crewnet manager", "version", Version, "listen", cfg.ListenAddr)

	db, err := models.InitDB(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	issuer, err := auth.NewIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	console, nudger, closeTransports, err := transports(cfg)
	if err != nil {
		return err
	}
	defer closeTransports()

	m := metrics.New()
	teams := store.NewTeams(db)
	tenants := store.NewTenants(db, issuer)

	rt := router.New(teams, m)
	pool := gateway.NewPool(gateway.Config{
		HostTemplate: cfg.IRC.HostTemplate,
		Port:         cfg.IRC.Port,
		Metrics:      m,
	})
	h := hub.New(teams, tenants, console, hub.Options{Metrics: m})
	rt.RegisterBroadcaster(h.BroadcastMessage)

	wd := watchdog.New(teams, nudger, h, watchdog.Options{Interval: cfg.Watchdog.Interval, Metrics: m})

	var origins []string
	if cfg.WS.AllowedOrigins != "*" {
		for _, o := range strings.Split(cfg.WS.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	srv := api.NewServer(api.Deps{
		DB:             db,
		Teams:          teams,
		Tenants:        tenants,
		Issuer:         issuer,
		Router:         rt,
		Gateways:       pool,
		Hub:            h,
		Metrics:        m,
		AllowedOrigins: origins,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go srv.RunGatewaySync(ctx, cfg.Gateway.SyncInterval)
	go wd.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down crewnet manager")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	cancel()
	pool.DestroyAll("manager shutting down")

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			slog.Error("shutdown error", "error", err)
		}
	case <-time.After(shutdownTimeout):
		slog.Warn("http shutdown timed out")
	}
	return nil
}
