package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/helmcode/crewnet/internal/clock"
	"github.com/helmcode/crewnet/internal/protocol"
)

// consoleStream is one attached agent console on a session: the capture
// ticker plus the input rate-limit window.
type consoleStream struct {
	teamID  string
	agentID string
	ticker  *clock.Ticker
	done    chan struct{}

	mu      sync.Mutex
	stopped bool

	// Reader-owned.
	windowStart time.Time
	count       int
	limited     bool
}

func (st *consoleStream) stop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return
	}
	st.stopped = true
	st.ticker.Stop()
	close(st.done)
}

// allow applies the input limit. The window restarts on the first frame
// arriving a full window after the previous start.
func (st *consoleStream) allow(now time.Time, limit int, window time.Duration) (ok, notify bool) {
	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= window {
		st.windowStart = now
		st.count = 0
		st.limited = false
	}
	st.count++
	if st.count <= limit {
		return true, false
	}
	notify = !st.limited
	st.limited = true
	return false, notify
}

func (s *session) stream(agentID string) *consoleStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[agentID]
}

func (s *session) attach(f protocol.ConsoleAttachFrame) {
	if f.TeamID == "" {
		s.sendError(protocol.CodeMissingTeamID, "console.attach requires teamId")
		return
	}
	if f.AgentID == "" {
		s.sendError(protocol.CodeMissingAgentID, "console.attach requires agentId")
		return
	}
	team, ok := s.ownedTeam(f.TeamID)
	if !ok {
		s.sendError(protocol.CodeNotFound, "team not found")
		return
	}
	if team.Agent(f.AgentID) == nil {
		s.sendError(protocol.CodeAgentNotFound, "agent not found")
		return
	}

	st := &consoleStream{
		teamID:  f.TeamID,
		agentID: f.AgentID,
		ticker:  s.hub.opts.Clock.NewTicker(s.hub.opts.ConsoleInterval),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.streams[f.AgentID]
	s.streams[f.AgentID] = st
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go s.capture(st)
	slog.Info("console attached", "session", s.id, "team", f.TeamID, "agent", f.AgentID)
	s.send(protocol.ConsoleAttachedFrame{Type: protocol.FrameConsoleAttached, AgentID: f.AgentID})
}

// capture polls the pane on every tick until the stream stops.
func (s *session) capture(st *consoleStream) {
	for {
		select {
		case <-st.ticker.C:
		case <-st.done:
			return
		case <-s.closed:
			return
		}
		if s.hub.console == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.hub.opts.TransportTimeout)
		text, err := s.hub.console.CapturePane(ctx, st.teamID, st.agentID)
		cancel()
		if err != nil {
			slog.Debug("capture pane failed", "team", st.teamID, "agent", st.agentID, "error", err)
			continue
		}

		data, err := json.Marshal(protocol.ConsoleDataFrame{
			Type:    protocol.FrameConsoleData,
			AgentID: st.agentID,
			Data:    text,
		})
		if err != nil {
			continue
		}
		// Holding st.mu keeps data frames from landing after the detach reply.
		st.mu.Lock()
		if !st.stopped {
			s.offer(protocol.FrameConsoleData, data)
		}
		st.mu.Unlock()
	}
}

func (s *session) input(f protocol.ConsoleInputFrame) {
	if f.AgentID == "" {
		s.sendError(protocol.CodeMissingAgentID, "console.input requires agentId")
		return
	}
	if f.Data == nil {
		s.sendError(protocol.CodeMissingData, "console.input requires string data")
		return
	}
	st := s.stream(f.AgentID)
	if st == nil {
		s.sendError(protocol.CodeNotAttached, "console not attached")
		return
	}

	ok, notify := st.allow(s.hub.opts.Clock.Now(), s.hub.opts.InputLimit, s.hub.opts.InputWindow)
	if !ok {
		if notify {
			s.sendError(protocol.CodeRateLimited, "too many console inputs")
		}
		return
	}
	if s.hub.console == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.hub.opts.TransportTimeout)
	defer cancel()
	if err := s.hub.console.SendInput(ctx, st.teamID, st.agentID, *f.Data); err != nil {
		slog.Warn("console input failed", "team", st.teamID, "agent", st.agentID, "error", err)
	}
}

func (s *session) resize(f protocol.ConsoleResizeFrame) {
	if f.AgentID == "" {
		s.sendError(protocol.CodeMissingAgentID, "console.resize requires agentId")
		return
	}
	if !f.Valid {
		s.sendError(protocol.CodeInvalidSize, "cols and rows must be positive integers")
		return
	}
	st := s.stream(f.AgentID)
	if st == nil {
		s.sendError(protocol.CodeNotAttached, "console not attached")
		return
	}
	if s.hub.console == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.hub.opts.TransportTimeout)
	defer cancel()
	if err := s.hub.console.Resize(ctx, st.teamID, st.agentID, f.Cols, f.Rows); err != nil {
		slog.Warn("console resize failed", "team", st.teamID, "agent", st.agentID, "error", err)
	}
}

func (s *session) detach(f protocol.ConsoleDetachFrame) {
	if f.AgentID == "" {
		s.sendError(protocol.CodeMissingAgentID, "console.detach requires agentId")
		return
	}

	s.mu.Lock()
	st := s.streams[f.AgentID]
	delete(s.streams, f.AgentID)
	s.mu.Unlock()
	if st != nil {
		st.stop()
		slog.Info("console detached", "session", s.id, "team", st.teamID, "agent", f.AgentID)
	}
	s.send(protocol.ConsoleDetachedFrame{Type: protocol.FrameConsoleDetached, AgentID: f.AgentID})
}
