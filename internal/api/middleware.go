package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/helmcode/crewnet/internal/auth"
	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/store"
)

const (
	localsPrincipal = "principal"
	storeTimeout    = 5 * time.Second
)

// requestLogger returns a middleware that logs each request.
func requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		slog.Info("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.Locals("requestid"),
		)
		return err
	}
}

// globalErrorHandler renders every error as {"error", "code"}.
// Internal errors (5xx) return a generic message to avoid leaking implementation details.
func globalErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "INTERNAL"
	msg := "internal server error"

	var apiErr *Error
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Status
		code = apiErr.Code
		if status < 500 {
			msg = apiErr.Message
		} else {
			slog.Error("internal error", "code", code, "error", apiErr.Message, "path", c.Path())
		}
	case errors.As(err, &fiberErr):
		status = fiberErr.Code
		code = codeForStatus(status)
		// Only expose error messages for client errors (4xx).
		if status < 500 {
			msg = fiberErr.Message
		} else {
			slog.Error("internal error", "error", fiberErr.Message, "path", c.Path())
		}
	default:
		slog.Error("unhandled error", "error", err.Error(), "path", c.Path())
	}

	return c.Status(status).JSON(ErrorResponse{Error: msg, Code: code})
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "BAD_REQUEST"
	case fiber.StatusUnauthorized:
		return protocol.CodeUnauthorized
	case fiber.StatusForbidden:
		return protocol.CodeForbidden
	case fiber.StatusNotFound:
		return protocol.CodeNotFound
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusUpgradeRequired:
		return "UPGRADE_REQUIRED"
	default:
		if status >= 500 {
			return "INTERNAL"
		}
		return "ERROR"
	}
}

// rejectStrayUpgrades refuses WebSocket upgrades anywhere but /ws.
func rejectStrayUpgrades(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) && c.Path() != wsPath {
		return newError(fiber.StatusBadRequest, "BAD_REQUEST", "websocket upgrades are only served on "+wsPath)
	}
	return c.Next()
}

// principal is the authenticated caller. Exactly one field is set: a tenant
// for API-key callers, a team for internal-token callers.
type principal struct {
	TenantID string
	TeamID   string
}

// authenticate resolves the request credential. Internal tokens are tried
// first; anything else is an API key and provisions its tenant on first use.
func (s *Server) authenticate(c *fiber.Ctx) error {
	cred := auth.Credential(c.Get(fiber.HeaderAuthorization), c.Get("X-API-Key"))
	if cred == "" {
		return newError(fiber.StatusUnauthorized, protocol.CodeUnauthorized, "missing credentials")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), storeTimeout)
	defer cancel()

	if auth.LooksLikeToken(cred) {
		teamID, err := s.tenants.FindByInternalToken(ctx, cred)
		if err != nil {
			return newError(fiber.StatusUnauthorized, protocol.CodeUnauthorized, "invalid token")
		}
		c.Locals(localsPrincipal, principal{TeamID: teamID})
		return c.Next()
	}

	tenant, err := s.tenants.EnsureByAPIKey(ctx, cred)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(fiber.StatusUnauthorized, protocol.CodeUnauthorized, "invalid API key")
		}
		return internalError("AUTH_ERROR", err)
	}
	c.Locals(localsPrincipal, principal{TenantID: tenant.ID})
	return c.Next()
}

func callerOf(c *fiber.Ctx) principal {
	p, _ := c.Locals(localsPrincipal).(principal)
	return p
}

// scopedTeam loads a team and checks the caller may act on it. Teams with
// no tenant are off limits to every API key.
func (s *Server) scopedTeam(c *fiber.Ctx, teamID string) (*models.Team, error) {
	ctx, cancel := context.WithTimeout(c.UserContext(), storeTimeout)
	defer cancel()

	team, err := s.teams.GetTeam(ctx, teamID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(fiber.StatusNotFound, protocol.CodeNotFound, "team not found")
	}
	if err != nil {
		return nil, internalError("STORE_ERROR", err)
	}

	p := callerOf(c)
	switch {
	case p.TeamID != "":
		if p.TeamID != team.ID {
			return nil, newError(fiber.StatusForbidden, protocol.CodeForbidden, "token is not valid for this team")
		}
	case !team.OwnedBy(p.TenantID):
		return nil, newError(fiber.StatusForbidden, protocol.CodeForbidden, "team belongs to another tenant")
	}
	return team, nil
}
