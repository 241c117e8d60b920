// Package hub is the WebSocket fan-out layer. Dashboard clients authenticate
// with their first frame, subscribe to one team's event stream and may
// attach to agent consoles.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/helmcode/crewnet/internal/clock"
	"github.com/helmcode/crewnet/internal/metrics"
	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
)

// Defaults for Options.
const (
	DefaultConsoleInterval  = 500 * time.Millisecond
	DefaultInputLimit       = 100
	DefaultInputWindow      = time.Second
	DefaultQueueSize        = 64
	DefaultTransportTimeout = 5 * time.Second

	maxFrameBytes = 64 * 1024
)

// Conn is the subset of a WebSocket connection the hub uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// TeamStore looks teams up for scope checks.
type TeamStore interface {
	GetTeam(ctx context.Context, id string) (*models.Team, error)
}

// TenantStore resolves API keys. It must never create tenants.
type TenantStore interface {
	FindByAPIKey(ctx context.Context, key string) (*models.Tenant, error)
}

// Console is the terminal transport behind console.* frames.
type Console interface {
	CapturePane(ctx context.Context, teamID, agentID string) (string, error)
	SendInput(ctx context.Context, teamID, agentID, data string) error
	Resize(ctx context.Context, teamID, agentID string, cols, rows int) error
}

// Options tunes a Hub. Zero values take the defaults above.
type Options struct {
	Clock            clock.Clock
	Metrics          *metrics.Metrics
	ConsoleInterval  time.Duration
	InputLimit       int
	InputWindow      time.Duration
	QueueSize        int
	TransportTimeout time.Duration
}

type subscriberSet struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
}

// Hub owns every WebSocket session and the per-team subscriber sets.
type Hub struct {
	teams   TeamStore
	tenants TenantStore
	console Console
	opts    Options

	mu          sync.Mutex
	subscribers map[string]*subscriberSet
	sessions    map[*session]struct{}
}

// New creates a Hub. console may be nil, in which case console frames are
// accepted but nothing is captured or forwarded.
func New(teams TeamStore, tenants TenantStore, console Console, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ConsoleInterval <= 0 {
		opts.ConsoleInterval = DefaultConsoleInterval
	}
	if opts.InputLimit <= 0 {
		opts.InputLimit = DefaultInputLimit
	}
	if opts.InputWindow <= 0 {
		opts.InputWindow = DefaultInputWindow
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.TransportTimeout <= 0 {
		opts.TransportTimeout = DefaultTransportTimeout
	}
	return &Hub{
		teams:       teams,
		tenants:     tenants,
		console:     console,
		opts:        opts,
		subscribers: make(map[string]*subscriberSet),
		sessions:    make(map[*session]struct{}),
	}
}

// RequireUpgrade guards the WebSocket route: plain HTTP gets 426 and any
// attempt to pass the token in the URL gets 400.
func (h *Hub) RequireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error": "websocket upgrade required",
			"code":  "UPGRADE_REQUIRED",
		})
	}
	if c.Query("token") != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "token must be sent in the auth frame, not the URL",
			"code":  "TOKEN_IN_URL",
		})
	}
	return c.Next()
}

// Handler upgrades the request and serves the session until it closes.
func (h *Hub) Handler(origins []string) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		c.SetReadLimit(maxFrameBytes)
		h.Serve(c)
	}, websocket.Config{Origins: origins})
}

// Serve runs a session on conn and blocks until it ends.
func (h *Hub) Serve(conn Conn) {
	s := newSession(h, conn)

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.opts.Metrics.SessionOpened()

	s.run()

	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	h.opts.Metrics.SessionClosed()
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SubscriberCount returns the number of sessions subscribed to teamID.
func (h *Hub) SubscriberCount(teamID string) int {
	h.mu.Lock()
	set := h.subscribers[teamID]
	h.mu.Unlock()
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.sessions)
}

func (h *Hub) addSubscriber(teamID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subscribers[teamID]
	if set == nil {
		set = &subscriberSet{sessions: make(map[*session]struct{})}
		h.subscribers[teamID] = set
	}
	set.mu.Lock()
	set.sessions[s] = struct{}{}
	set.mu.Unlock()
}

func (h *Hub) removeSubscriber(teamID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subscribers[teamID]
	if set == nil {
		return
	}
	set.mu.Lock()
	delete(set.sessions, s)
	empty := len(set.sessions) == 0
	set.mu.Unlock()
	if empty {
		delete(h.subscribers, teamID)
	}
}

// fanOut offers frame to every subscriber of teamID. Sessions with pending
// outbound frames are skipped.
func (h *Hub) fanOut(teamID, frameType string, frame interface{}) {
	h.mu.Lock()
	set := h.subscribers[teamID]
	h.mu.Unlock()
	if set == nil {
		return
	}

	set.mu.Lock()
	targets := make([]*session, 0, len(set.sessions))
	for s := range set.sessions {
		targets = append(targets, s)
	}
	set.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("failed to encode broadcast frame", "type", frameType, "error", err)
		return
	}
	for _, s := range targets {
		s.offer(frameType, data)
	}
}

// BroadcastMessage fans a routed entry out to the team's subscribers. It is
// installed as the router's broadcaster.
func (h *Hub) BroadcastMessage(entry protocol.MessageEntry) {
	h.fanOut(entry.TeamID, protocol.FrameMessage, protocol.MessageFrame{
		Type:         protocol.FrameMessage,
		MessageEntry: entry,
	})
}

func (h *Hub) BroadcastHeartbeat(teamID, agentID string, at time.Time) {
	h.fanOut(teamID, protocol.FrameHeartbeat, protocol.HeartbeatFrame{
		Type:      protocol.FrameHeartbeat,
		TeamID:    teamID,
		AgentID:   agentID,
		Timestamp: protocol.FormatTime(at),
	})
}

func (h *Hub) BroadcastAgentStatus(teamID, agentID string, status protocol.AgentStatus) {
	h.fanOut(teamID, protocol.FrameAgentStatus, protocol.AgentStatusFrame{
		Type:    protocol.FrameAgentStatus,
		TeamID:  teamID,
		AgentID: agentID,
		Status:  status,
	})
}
