package api

import (
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

func (s *Server) registerRoutes(origins []string) {
	// Unauthenticated.
	s.App.Get("/health", s.HealthCheck)
	if s.metrics != nil {
		s.App.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	// Agent heartbeats.
	s.App.Post("/heartbeat/:teamId/:agentId", s.authenticate, s.Heartbeat)

	api := s.App.Group("/api", s.authenticate)

	teams := api.Group("/teams")
	teams.Post("/:id/token", s.IssueTeamToken)

	// Channels.
	teams.Get("/:id/channels", s.ListChannels)
	teams.Put("/:id/channels", s.UpdateChannels)
	teams.Get("/:id/channels/:name/messages", s.GetChannelMessages)
	teams.Post("/:id/channels/:name/messages", s.PostChannelMessage)
	teams.Post("/:id/messages", s.PostTeamMessage)

	// WebSocket fan-out.
	s.mountWebSocket(origins)
}
