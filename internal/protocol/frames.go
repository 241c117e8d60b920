package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Client frame types.
const (
	FrameAuth          = "auth"
	FrameSubscribe     = "subscribe"
	FrameConsoleAttach = "console.attach"
	FrameConsoleInput  = "console.input"
	FrameConsoleResize = "console.resize"
	FrameConsoleDetach = "console.detach"
)

// Server frame types.
const (
	FrameAuthenticated   = "authenticated"
	FrameSubscribed      = "subscribed"
	FrameMessage         = "message"
	FrameHeartbeat       = "heartbeat"
	FrameAgentStatus     = "agent_status"
	FrameConsoleAttached = "console.attached"
	FrameConsoleDetached = "console.detached"
	FrameConsoleData     = "console.data"
	FrameError           = "error"
)

// Error codes carried by error frames and HTTP error bodies.
const (
	CodeInvalidJSON     = "INVALID_JSON"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeMissingToken    = "MISSING_TOKEN"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeMissingTeamID   = "MISSING_TEAM_ID"
	CodeMissingAgentID  = "MISSING_AGENT_ID"
	CodeMissingData     = "MISSING_DATA"
	CodeInvalidSize     = "INVALID_SIZE"
	CodeNotFound        = "NOT_FOUND"
	CodeAgentNotFound   = "AGENT_NOT_FOUND"
	CodeNotAttached     = "NOT_ATTACHED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUnknownType     = "UNKNOWN_TYPE"
)

// AgentStatus is the status carried by agent_status frames.
type AgentStatus string

const (
	AgentSpawned AgentStatus = "spawned"
	AgentKilled  AgentStatus = "killed"
	AgentStalled AgentStatus = "stalled"
	AgentAlive   AgentStatus = "alive"
)

// ClientFrame is the sum type of every frame a WebSocket client may send.
// The concrete types are AuthFrame, SubscribeFrame, ConsoleAttachFrame,
// ConsoleInputFrame, ConsoleResizeFrame, ConsoleDetachFrame and UnknownFrame.
type ClientFrame interface {
	FrameType() string
}

type AuthFrame struct {
	Token string `json:"token"`
}

type SubscribeFrame struct {
	TeamID string `json:"teamId"`
}

type ConsoleAttachFrame struct {
	TeamID  string `json:"teamId"`
	AgentID string `json:"agentId"`
}

// ConsoleInputFrame carries raw terminal input. Data is nil when the field
// was absent or not a string.
type ConsoleInputFrame struct {
	AgentID string
	Data    *string
}

// ConsoleResizeFrame carries the requested terminal size. Valid is false
// when cols or rows are missing, non-integral, or not positive.
type ConsoleResizeFrame struct {
	AgentID string
	Cols    int
	Rows    int
	Valid   bool
}

type ConsoleDetachFrame struct {
	AgentID string `json:"agentId"`
}

// UnknownFrame is any well-formed frame whose type is not recognised.
type UnknownFrame struct {
	Type string
}

func (AuthFrame) FrameType() string          { return FrameAuth }
func (SubscribeFrame) FrameType() string     { return FrameSubscribe }
func (ConsoleAttachFrame) FrameType() string { return FrameConsoleAttach }
func (ConsoleInputFrame) FrameType() string  { return FrameConsoleInput }
func (ConsoleResizeFrame) FrameType() string { return FrameConsoleResize }
func (ConsoleDetachFrame) FrameType() string { return FrameConsoleDetach }
func (f UnknownFrame) FrameType() string     { return f.Type }

// ErrInvalidFrame is returned by DecodeClientFrame for anything that is not a
// JSON object with a string "type" field.
var ErrInvalidFrame = errors.New("invalid frame")

// DecodeClientFrame decodes a raw client frame into its concrete type.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if envelope.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}

	switch *envelope.Type {
	case FrameAuth:
		var f AuthFrame
		return f, decodeLoose(data, &f)
	case FrameSubscribe:
		var f SubscribeFrame
		return f, decodeLoose(data, &f)
	case FrameConsoleAttach:
		var f ConsoleAttachFrame
		return f, decodeLoose(data, &f)
	case FrameConsoleDetach:
		var f ConsoleDetachFrame
		return f, decodeLoose(data, &f)
	case FrameConsoleInput:
		var raw struct {
			AgentID string          `json:"agentId"`
			Data    json.RawMessage `json:"data"`
		}
		if err := decodeLoose(data, &raw); err != nil {
			return nil, err
		}
		f := ConsoleInputFrame{AgentID: raw.AgentID}
		var s string
		if len(raw.Data) > 0 && json.Unmarshal(raw.Data, &s) == nil {
			f.Data = &s
		}
		return f, nil
	case FrameConsoleResize:
		var raw struct {
			AgentID string          `json:"agentId"`
			Cols    json.RawMessage `json:"cols"`
			Rows    json.RawMessage `json:"rows"`
		}
		if err := decodeLoose(data, &raw); err != nil {
			return nil, err
		}
		cols, colsOK := positiveInt(raw.Cols)
		rows, rowsOK := positiveInt(raw.Rows)
		return ConsoleResizeFrame{
			AgentID: raw.AgentID,
			Cols:    cols,
			Rows:    rows,
			Valid:   colsOK && rowsOK,
		}, nil
	default:
		return UnknownFrame{Type: *envelope.Type}, nil
	}
}

// decodeLoose decodes into a typed frame, treating wrongly-typed fields as
// an invalid frame.
func decodeLoose(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

func positiveInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f <= 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// Server frames.

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame for code.
func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Message: message}
}

type AuthenticatedFrame struct {
	Type string `json:"type"`
}

type SubscribedFrame struct {
	Type   string `json:"type"`
	TeamID string `json:"teamId"`
}

// MessageFrame flattens the entry next to the type field.
type MessageFrame struct {
	Type string `json:"type"`
	MessageEntry
}

type HeartbeatFrame struct {
	Type      string `json:"type"`
	TeamID    string `json:"teamId"`
	AgentID   string `json:"agentId"`
	Timestamp string `json:"timestamp"`
}

type AgentStatusFrame struct {
	Type    string      `json:"type"`
	TeamID  string      `json:"teamId"`
	AgentID string      `json:"agentId"`
	Status  AgentStatus `json:"status"`
}

type ConsoleAttachedFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type ConsoleDetachedFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
}

type ConsoleDataFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Data    string `json:"data"`
}
