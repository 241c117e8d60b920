package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/store"
)

// ListChannels returns the team's configured channel list.
func (s *Server) ListChannels(c *fiber.Ctx) error {
	team, err := s.scopedTeam(c, c.Params("id"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), storeTimeout)
	defer cancel()
	channels, err := s.router.ListChannels(ctx, team.ID)
	if err != nil {
		return internalError("STORE_ERROR", err)
	}
	return c.JSON(ChannelsResponse{TeamID: team.ID, Channels: channels})
}

// UpdateChannels replaces the team's channel list and re-joins a live
// gateway accordingly.
func (s *Server) UpdateChannels(c *fiber.Ctx) error {
	team, err := s.scopedTeam(c, c.Params("id"))
	if err != nil {
		return err
	}

	var req UpdateChannelsRequest
	if err := c.BodyParser(&req); err != nil {
		return newError(fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	if len(req.Channels) == 0 {
		return newError(fiber.StatusBadRequest, "MISSING_CHANNELS", "channels must be a non-empty list")
	}

	channels := make([]string, 0, len(req.Channels))
	seen := make(map[string]bool, len(req.Channels))
	for _, name := range req.Channels {
		name = strings.TrimSpace(name)
		if !protocol.IsChannelName(name) {
			return newError(fiber.StatusBadRequest, "INVALID_CHANNEL", "invalid channel name: "+name)
		}
		if seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		channels = append(channels, name)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), storeTimeout)
	defer cancel()
	updated, err := s.teams.UpdateTeam(ctx, team.ID, store.TeamPatch{Channels: &channels})
	if errors.Is(err, store.ErrNotFound) {
		return newError(fiber.StatusNotFound, protocol.CodeNotFound, "team not found")
	}
	if err != nil {
		return internalError("STORE_ERROR", err)
	}

	if g := s.gateways.Get(team.ID); g != nil {
		g.UpdateChannels(channels)
	}
	slog.Info("team channels updated", "team", team.ID, "channels", channels)
	return c.JSON(ChannelsResponse{TeamID: updated.ID, Channels: []string(updated.Channels)})
}

// IssueTeamToken mints an internal token agent containers use for
// heartbeats. Only the owning tenant may ask for one.
func (s *Server) IssueTeamToken(c *fiber.Ctx) error {
	if callerOf(c).TenantID == "" {
		return newError(fiber.StatusForbidden, protocol.CodeForbidden, "team tokens cannot mint tokens")
	}
	team, err := s.scopedTeam(c, c.Params("id"))
	if err != nil {
		return err
	}
	if s.issuer == nil {
		return newError(fiber.StatusServiceUnavailable, "TOKENS_DISABLED", "internal tokens are not configured")
	}

	token, exp, err := s.issuer.IssueTeamToken(team.ID)
	if err != nil {
		return internalError("TOKEN_ERROR", err)
	}
	return c.Status(fiber.StatusCreated).JSON(TokenResponse{
		Token:     token,
		TeamID:    team.ID,
		ExpiresAt: protocol.FormatTime(exp),
	})
}
