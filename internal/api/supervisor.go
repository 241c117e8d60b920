package api

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/store"
)

// SyncGateways reconciles the gateway pool with the team store: every
// running team gets a gateway with its current channel list, gateways of
// other teams are destroyed, and buffers of deleted teams are dropped.
func (s *Server) SyncGateways(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	teams, err := s.teams.ListTeams(ctx, store.TeamFilter{})
	if err != nil {
		return err
	}

	exists := make(map[string]bool, len(teams))
	running := make(map[string]bool, len(teams))
	for i := range teams {
		team := &teams[i]
		exists[team.ID] = true
		if team.Status != models.TeamStatusRunning {
			continue
		}
		running[team.ID] = true

		channels := []string(team.Channels)
		if len(channels) == 0 {
			channels = models.DefaultChannels
		}
		if g := s.gateways.Get(team.ID); g != nil {
			if !sameChannels(g.Channels(), channels) {
				g.UpdateChannels(channels)
			}
			continue
		}
		slog.Info("starting gateway for running team", "team", team.ID, "name", team.Name)
		s.gateways.Create(team, s.router.Route)
	}

	for _, id := range s.gateways.TeamIDs() {
		if !running[id] {
			slog.Info("stopping gateway for inactive team", "team", id)
			s.gateways.Destroy(id)
		}
	}
	for _, id := range s.router.TeamIDs() {
		if !exists[id] {
			s.router.ClearTeam(id)
		}
	}
	return nil
}

// RunGatewaySync reconciles immediately and then every interval until ctx
// is cancelled.
func (s *Server) RunGatewaySync(ctx context.Context, interval time.Duration) {
	if err := s.SyncGateways(ctx); err != nil {
		slog.Error("gateway sync failed", "error", err)
	}

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncGateways(ctx); err != nil {
				slog.Error("gateway sync failed", "error", err)
			}
		}
	}
}

func sameChannels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
