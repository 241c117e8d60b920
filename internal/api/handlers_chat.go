package api

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/helmcode/crewnet/internal/gateway"
	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/router"
)

const defaultChannel = "#main"

// channelParam turns the :name path segment into a channel name. The leading
// '#' is optional since it cannot appear unescaped in a URL path.
func channelParam(c *fiber.Ctx) string {
	name, err := url.PathUnescape(c.Params("name"))
	if err != nil {
		name = c.Params("name")
	}
	if !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

// GetChannelMessages returns the buffered tail of a channel, oldest first.
// Query: limit (default 100), since (ISO-8601, exclusive).
func (s *Server) GetChannelMessages(c *fiber.Ctx) error {
	team, err := s.scopedTeam(c, c.Params("id"))
	if err != nil {
		return err
	}

	opts := router.ReadOptions{Limit: c.QueryInt("limit", router.DefaultReadLimit)}
	if opts.Limit <= 0 {
		return newError(fiber.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
	}
	if since := c.Query("since"); since != "" {
		t, err := protocol.ParseTime(since)
		if err != nil {
			return newError(fiber.StatusBadRequest, "INVALID_SINCE", "since must be an ISO-8601 timestamp")
		}
		opts.Since = t
	}

	return c.JSON(s.router.Read(team.ID, channelParam(c), opts))
}

// PostChannelMessage says text on the named channel through the team's gateway.
func (s *Server) PostChannelMessage(c *fiber.Ctx) error {
	team, err := s.scopedTeam(c, c.Params("id"))
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return newError(fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	return s.say(c, team, channelParam(c), req.Text)
}

// PostTeamMessage says text on the channel given in the body, #main by default.
func (s *Server) PostTeamMessage(c *fiber.Ctx) error {
	team, err := s.scopedTeam(c, c.Params("id"))
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return newError(fiber.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = defaultChannel
	}
	if !strings.HasPrefix(channel, "#") {
		channel = "#" + channel
	}
	return s.say(c, team, channel, req.Text)
}

func (s *Server) say(c *fiber.Ctx, team *models.Team, channel, text string) error {
	if strings.TrimSpace(text) == "" {
		return newError(fiber.StatusBadRequest, "MISSING_TEXT", "text is required")
	}
	if !protocol.IsChannelName(channel) {
		return newError(fiber.StatusBadRequest, "INVALID_CHANNEL", "invalid channel name: "+channel)
	}

	g := s.gateways.Get(team.ID)
	if g == nil || !g.Connected() {
		return newError(fiber.StatusServiceUnavailable, "GATEWAY_NOT_READY", "team gateway is not connected")
	}
	if err := g.Say(channel, text); err != nil {
		if errors.Is(err, gateway.ErrNotConnected) {
			return newError(fiber.StatusServiceUnavailable, "GATEWAY_NOT_READY", "team gateway is not connected")
		}
		return internalError("SEND_ERROR", err)
	}

	// IRC does not echo our own PRIVMSGs back, so record them here.
	now := protocol.FormatTime(s.clock.Now())
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.router.Route(protocol.Event{
			TeamID:   team.ID,
			TeamName: team.Name,
			Channel:  channel,
			Nick:     g.Nick(),
			Text:     line,
			Time:     now,
		})
	}

	return c.JSON(SendMessageResponse{OK: true, Channel: channel, Text: text})
}
