package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/store"
)

// session is one WebSocket connection. The reader goroutine owns the auth
// state; everything written to the socket goes through out and the single
// writer goroutine.
type session struct {
	id   string
	hub  *Hub
	conn Conn

	out        chan []byte
	closed     chan struct{}
	writerDone chan struct{}

	// Reader-owned.
	authenticated bool
	tenantID      string

	mu      sync.Mutex
	team    string
	streams map[string]*consoleStream
}

func newSession(h *Hub, conn Conn) *session {
	return &session{
		id:         uuid.New().String(),
		hub:        h,
		conn:       conn,
		out:        make(chan []byte, h.opts.QueueSize),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
		streams:    make(map[string]*consoleStream),
	}
}

func (s *session) run() {
	slog.Debug("ws session opened", "session", s.id)
	go s.writeLoop()

	if fatal := s.readLoop(); fatal {
		// Let the writer flush the error frame before the socket goes away.
		select {
		case s.out <- nil:
		case <-s.writerDone:
		}
		<-s.writerDone
	}

	close(s.closed)
	s.conn.Close()
	<-s.writerDone
	s.cleanup()
	slog.Debug("ws session closed", "session", s.id, "tenant", s.tenantID)
}

func (s *session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case frame := <-s.out:
			if frame == nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("ws write failed", "session", s.id, "error", err)
				s.conn.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// send queues a reply, waiting for room in the queue.
func (s *session) send(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("failed to encode ws frame", "session", s.id, "error", err)
		return
	}
	select {
	case s.out <- data:
	case <-s.closed:
	case <-s.writerDone:
	}
}

func (s *session) sendError(code, message string) {
	s.send(protocol.NewErrorFrame(code, message))
}

// offer queues a broadcast frame only if nothing is pending for this
// session. It never blocks.
func (s *session) offer(frameType string, data []byte) bool {
	select {
	case <-s.closed:
		return false
	case <-s.writerDone:
		return false
	default:
	}
	if len(s.out) > 0 {
		s.hub.opts.Metrics.FrameDropped(frameType)
		return false
	}
	select {
	case s.out <- data:
		return true
	default:
		s.hub.opts.Metrics.FrameDropped(frameType)
		return false
	}
}

// readLoop processes client frames until the socket closes. It reports
// whether it stopped on a fatal auth-phase error.
func (s *session) readLoop() bool {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return false
		}

		frame, err := protocol.DecodeClientFrame(data)
		if !s.authenticated {
			if !s.authenticate(frame, err) {
				return true
			}
			continue
		}
		if err != nil {
			s.sendError(protocol.CodeInvalidJSON, "frame must be a JSON object with a string type")
			continue
		}
		s.dispatch(frame)
	}
}

// authenticate handles the first frame. It returns false when the session
// must be closed.
func (s *session) authenticate(frame protocol.ClientFrame, decodeErr error) bool {
	if decodeErr != nil {
		s.sendError(protocol.CodeInvalidJSON, "frame must be a JSON object with a string type")
		return false
	}
	auth, ok := frame.(protocol.AuthFrame)
	if !ok {
		s.sendError(protocol.CodeUnauthenticated, "first frame must be auth")
		return false
	}
	if auth.Token == "" {
		s.sendError(protocol.CodeMissingToken, "auth frame requires a token")
		return false
	}

	tenant, err := s.lookupTenant(auth.Token)
	if err != nil {
		s.sendError(protocol.CodeUnauthorized, "invalid API key")
		return false
	}
	s.authenticated = true
	s.tenantID = tenant.ID
	slog.Info("ws session authenticated", "session", s.id, "tenant", tenant.ID)
	s.send(protocol.AuthenticatedFrame{Type: protocol.FrameAuthenticated})
	return true
}

func (s *session) lookupTenant(key string) (*models.Tenant, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.hub.opts.TransportTimeout)
	defer cancel()
	tenant, err := s.hub.tenants.FindByAPIKey(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("tenant lookup failed", "session", s.id, "error", err)
	}
	return tenant, err
}

func (s *session) dispatch(frame protocol.ClientFrame) {
	switch f := frame.(type) {
	case protocol.AuthFrame:
		s.reauthenticate(f)
	case protocol.SubscribeFrame:
		s.subscribe(f)
	case protocol.ConsoleAttachFrame:
		s.attach(f)
	case protocol.ConsoleInputFrame:
		s.input(f)
	case protocol.ConsoleResizeFrame:
		s.resize(f)
	case protocol.ConsoleDetachFrame:
		s.detach(f)
	default:
		s.sendError(protocol.CodeUnknownType, "unknown frame type: "+frame.FrameType())
	}
}

// reauthenticate accepts a repeated auth frame for the same tenant. A
// session cannot switch tenants.
func (s *session) reauthenticate(f protocol.AuthFrame) {
	if f.Token == "" {
		s.sendError(protocol.CodeMissingToken, "auth frame requires a token")
		return
	}
	tenant, err := s.lookupTenant(f.Token)
	if err != nil || tenant.ID != s.tenantID {
		s.sendError(protocol.CodeUnauthorized, "invalid API key for this session")
		return
	}
	s.send(protocol.AuthenticatedFrame{Type: protocol.FrameAuthenticated})
}

// ownedTeam loads teamID and checks it belongs to the session's tenant.
// Teams without a tenant are never visible.
func (s *session) ownedTeam(teamID string) (*models.Team, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.hub.opts.TransportTimeout)
	defer cancel()
	team, err := s.hub.teams.GetTeam(ctx, teamID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("team lookup failed", "session", s.id, "team", teamID, "error", err)
		}
		return nil, false
	}
	if !team.OwnedBy(s.tenantID) {
		return nil, false
	}
	return team, true
}

func (s *session) subscribe(f protocol.SubscribeFrame) {
	if f.TeamID == "" {
		s.sendError(protocol.CodeMissingTeamID, "subscribe requires teamId")
		return
	}
	if _, ok := s.ownedTeam(f.TeamID); !ok {
		s.sendError(protocol.CodeNotFound, "team not found")
		return
	}

	s.mu.Lock()
	prev := s.team
	s.team = f.TeamID
	s.mu.Unlock()

	if prev != "" && prev != f.TeamID {
		s.hub.removeSubscriber(prev, s)
	}
	s.hub.addSubscriber(f.TeamID, s)
	s.send(protocol.SubscribedFrame{Type: protocol.FrameSubscribed, TeamID: f.TeamID})
}

func (s *session) cleanup() {
	s.mu.Lock()
	team := s.team
	s.team = ""
	streams := s.streams
	s.streams = make(map[string]*consoleStream)
	s.mu.Unlock()

	for _, st := range streams {
		st.stop()
	}
	if team != "" {
		s.hub.removeSubscriber(team, s)
	}
}
