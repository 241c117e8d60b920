package api

import "github.com/gofiber/fiber/v2"

// wsPath is the only path that accepts WebSocket upgrades.
const wsPath = "/ws"

// mountWebSocket serves the hub on /ws. Plain HTTP requests get 426 and
// tokens in the query string are refused before the upgrade.
func (s *Server) mountWebSocket(origins []string) {
	if s.hub == nil {
		s.App.Get(wsPath, func(c *fiber.Ctx) error {
			return newError(fiber.StatusServiceUnavailable, "WS_UNAVAILABLE", "websocket hub is not configured")
		})
		return
	}
	s.App.Use(wsPath, s.hub.RequireUpgrade)
	s.App.Get(wsPath, s.hub.Handler(origins))
}
