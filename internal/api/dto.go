// Package api implements the Fiber HTTP surface of the manager: the
// heartbeat sink, channel message endpoints, the /ws mount and the gateway
// supervisor that keeps one IRC gateway per running team.
package api

import (
	"fmt"
)

// Error is a handler error rendered as {"error": Message, "code": Code}.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func newError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func internalError(code string, err error) *Error {
	return &Error{Status: 500, Code: code, Message: err.Error()}
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SendMessageRequest is the payload for posting to a channel.
type SendMessageRequest struct {
	Text string `json:"text"`
	// Channel is only read by POST /api/teams/:id/messages. Defaults to #main.
	Channel string `json:"channel"`
}

// SendMessageResponse echoes what was sent.
type SendMessageResponse struct {
	OK      bool   `json:"ok"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// UpdateChannelsRequest is the payload for PUT /api/teams/:id/channels.
type UpdateChannelsRequest struct {
	Channels []string `json:"channels"`
}

// ChannelsResponse lists a team's configured channels.
type ChannelsResponse struct {
	TeamID   string   `json:"teamId"`
	Channels []string `json:"channels"`
}

// TokenResponse carries a team-scoped internal token.
type TokenResponse struct {
	Token     string `json:"token"`
	TeamID    string `json:"teamId"`
	ExpiresAt string `json:"expiresAt"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	OK bool   `json:"ok"`
	At string `json:"at"`
}
