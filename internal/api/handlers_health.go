package api

import (
	"github.com/gofiber/fiber/v2"
)

// HealthCheck verifies database connectivity and reports gateway and
// WebSocket counts.
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	var errors []string

	var result int
	if err := s.db.Raw("SELECT 1").Scan(&result).Error; err != nil {
		errors = append(errors, "database: "+err.Error())
	}

	total, connected := s.gateways.Stats()
	sessions := 0
	if s.hub != nil {
		sessions = s.hub.SessionCount()
	}
	details := fiber.Map{
		"gateways":           total,
		"gateways_connected": connected,
		"ws_sessions":        sessions,
	}

	if len(errors) > 0 {
		details["status"] = "unhealthy"
		details["errors"] = errors
		return c.Status(fiber.StatusServiceUnavailable).JSON(details)
	}

	details["status"] = "ok"
	return c.JSON(details)
}
