package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/store"
)

// Heartbeat records that an agent is alive and tells dashboard subscribers.
// Callers are the agent's own team token or the owning tenant's API key.
func (s *Server) Heartbeat(c *fiber.Ctx) error {
	team, err := s.scopedTeam(c, c.Params("teamId"))
	if err != nil {
		return err
	}
	agentID := c.Params("agentId")
	if team.Agent(agentID) == nil {
		return newError(fiber.StatusNotFound, protocol.CodeAgentNotFound, "agent not found")
	}

	now := s.clock.Now()
	ctx, cancel := context.WithTimeout(c.UserContext(), storeTimeout)
	defer cancel()
	if err := s.teams.RecordHeartbeat(ctx, team.ID, agentID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(fiber.StatusNotFound, protocol.CodeAgentNotFound, "agent not found")
		}
		return internalError("STORE_ERROR", err)
	}

	s.metrics.Heartbeat()
	if s.hub != nil {
		s.hub.BroadcastHeartbeat(team.ID, agentID, now)
	}
	return c.JSON(HeartbeatResponse{OK: true, At: protocol.FormatTime(now)})
}
