// Package gateway keeps one IRC client connection per team. Each gateway
// registers as the team's manager nick, joins the team's channels, forwards
// channel messages and reconnects with exponential backoff.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/helmcode/crewnet/internal/clock"
	"github.com/helmcode/crewnet/internal/metrics"
	"github.com/helmcode/crewnet/internal/protocol"
)

const (
	ReconnectBase = time.Second
	ReconnectMax  = 30 * time.Second
	DefaultPort   = 6667

	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	quitTimeout  = 2 * time.Second
	inboundQueue = 256
	maxLineBytes = 64 * 1024
)

// ErrNotConnected is returned by Say before registration completes or after
// the gateway is destroyed.
var ErrNotConnected = errors.New("gateway not connected")

// State is the connection state of a gateway.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistered
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DialFunc opens the TCP connection to a broker.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Gateway is the manager's IRC client for one team. All methods are safe for
// concurrent use.
type Gateway struct {
	teamID   string
	teamName string
	addr     string
	baseNick string

	dial      DialFunc
	clock     clock.Clock
	metrics   *metrics.Metrics
	onMessage func(protocol.Event)

	mu         sync.Mutex
	gen        int
	conn       net.Conn
	nick       string
	channels   []string
	registered bool
	destroyed  bool
	delay      time.Duration
	timer      *clock.Timer
	onState    func(State)

	// writeMu serialises writes on the current socket.
	writeMu sync.Mutex

	inbound chan protocol.Event
	done    chan struct{}
	// dispatchMu is held while onMessage runs.
	dispatchMu sync.Mutex
}

func newGateway(teamID, teamName, addr string, channels []string, dial DialFunc, clk clock.Clock, m *metrics.Metrics, onMessage func(protocol.Event)) *Gateway {
	nick := "manager-" + teamName
	return &Gateway{
		teamID:    teamID,
		teamName:  teamName,
		addr:      addr,
		baseNick:  nick,
		nick:      nick,
		dial:      dial,
		clock:     clk,
		metrics:   m,
		onMessage: onMessage,
		channels:  append([]string(nil), channels...),
		delay:     ReconnectBase,
		inbound:   make(chan protocol.Event, inboundQueue),
		done:      make(chan struct{}),
	}
}

func (g *Gateway) TeamID() string { return g.teamID }

// Nick returns the nick currently used on the broker.
func (g *Gateway) Nick() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nick
}

// Channels returns a copy of the current channel list.
func (g *Gateway) Channels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.channels...)
}

// Connected reports whether the gateway is registered and not destroyed.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registered && !g.destroyed
}

// OnState installs a hook called on every state change. It runs without the
// gateway lock held and must not block.
func (g *Gateway) OnState(fn func(State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onState = fn
}

func (g *Gateway) emit(s State) {
	g.mu.Lock()
	hook := g.onState
	g.mu.Unlock()

	slog.Info("irc gateway state", "team", g.teamID, "addr", g.addr, "state", s.String())
	g.metrics.GatewayState(s.String())
	if hook != nil {
		hook(s)
	}
}

func (g *Gateway) start() {
	go g.dispatch()
	go g.connect()
}

// dispatch delivers inbound events in arrival order.
func (g *Gateway) dispatch() {
	for {
		select {
		case ev := <-g.inbound:
			g.dispatchMu.Lock()
			if !g.isDestroyed() && g.onMessage != nil {
				g.onMessage(ev)
			}
			g.dispatchMu.Unlock()
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) isDestroyed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyed
}

func (g *Gateway) connect() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.gen++
	gen := g.gen
	g.timer = nil
	g.nick = g.baseNick
	g.mu.Unlock()

	g.emit(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, err := g.dial(ctx, "tcp", g.addr)
	cancel()
	if err != nil {
		g.connectionLost(gen, fmt.Errorf("dialing %s: %w", g.addr, err))
		return
	}

	g.mu.Lock()
	if g.destroyed || gen != g.gen {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.conn = conn
	nick := g.nick
	g.mu.Unlock()

	go g.readLoop(gen, conn)

	if err := g.write(conn, "NICK", nick); err != nil {
		g.connectionLost(gen, err)
		return
	}
	if err := g.write(conn, "USER", "manager", "0", "*", "A1 Manager — team "+g.teamName); err != nil {
		g.connectionLost(gen, err)
	}
}

// connectionLost schedules a reconnect for connection generation gen. Stale
// generations and destroyed gateways are ignored.
func (g *Gateway) connectionLost(gen int, cause error) {
	g.mu.Lock()
	if g.destroyed || gen != g.gen {
		g.mu.Unlock()
		return
	}
	conn := g.conn
	g.conn = nil
	g.registered = false
	g.gen++

	delay := g.delay
	g.delay *= 2
	if g.delay > ReconnectMax {
		g.delay = ReconnectMax
	}
	g.timer = g.clock.AfterFunc(delay, g.connect)
	g.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	slog.Warn("irc connection lost", "team", g.teamID, "error", cause, "retry_in", delay)
	g.emit(StateDisconnected)
}

func (g *Gateway) readLoop(gen int, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		msg, err := ircmsg.ParseLine(line)
		if err != nil {
			slog.Debug("ignoring malformed irc line", "team", g.teamID, "error", err)
			continue
		}
		if !g.handle(gen, conn, &msg) {
			return
		}
	}

	cause := scanner.Err()
	if cause == nil {
		cause = errors.New("connection closed by broker")
	}
	g.connectionLost(gen, cause)
}

// handle processes one line. It returns false when the connection is no
// longer current.
func (g *Gateway) handle(gen int, conn net.Conn, msg *ircmsg.Message) bool {
	switch msg.Command {
	case "PING":
		if err := g.write(conn, "PONG", msg.Params...); err != nil {
			slog.Warn("failed to answer ping", "team", g.teamID, "error", err)
		}

	case "001":
		g.mu.Lock()
		if g.destroyed || gen != g.gen {
			g.mu.Unlock()
			return false
		}
		g.registered = true
		g.delay = ReconnectBase
		if len(msg.Params) > 0 {
			g.nick = msg.Params[0]
		}
		channels := append([]string(nil), g.channels...)
		g.mu.Unlock()

		for _, ch := range channels {
			if err := g.write(conn, "JOIN", ch); err != nil {
				slog.Warn("failed to join channel", "team", g.teamID, "channel", ch, "error", err)
			}
		}
		g.emit(StateRegistered)

	case "433":
		g.mu.Lock()
		if g.registered || gen != g.gen {
			g.mu.Unlock()
			return true
		}
		g.nick += "_"
		nick := g.nick
		g.mu.Unlock()
		if err := g.write(conn, "NICK", nick); err != nil {
			slog.Warn("failed to retry nick", "team", g.teamID, "error", err)
		}

	case "PRIVMSG":
		if len(msg.Params) < 2 {
			return true
		}
		target, text := msg.Params[0], msg.Params[1]
		if !g.hasChannel(target) {
			return true
		}
		ev := protocol.Event{
			TeamID:   g.teamID,
			TeamName: g.teamName,
			Channel:  target,
			Nick:     sourceNick(msg.Source),
			Text:     text,
			Time:     protocol.FormatTime(g.clock.Now()),
		}
		select {
		case g.inbound <- ev:
		case <-g.done:
			return false
		}

	case "ERROR":
		slog.Warn("irc broker error", "team", g.teamID, "params", msg.Params)
	}
	return true
}

// hasChannel reports whether target is one of the current channels. Private
// messages never match.
func (g *Gateway) hasChannel(target string) bool {
	if target == "" || (target[0] != '#' && target[0] != '&') {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.channels {
		if strings.EqualFold(ch, target) {
			return true
		}
	}
	return false
}

func sourceNick(source string) string {
	if i := strings.IndexAny(source, "!@"); i >= 0 {
		return source[:i]
	}
	return source
}

func (g *Gateway) write(conn net.Conn, command string, params ...string) error {
	msg := ircmsg.MakeMessage(nil, "", command, params...)
	line, err := msg.Line()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", command, err)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("writing %s: %w", command, err)
	}
	return nil
}

// liveConn returns the socket if the gateway is registered and not destroyed.
func (g *Gateway) liveConn() net.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.registered || g.destroyed {
		return nil
	}
	return g.conn
}

// Say sends text to channel, one PRIVMSG per non-empty line.
func (g *Gateway) Say(channel, text string) error {
	conn := g.liveConn()
	if conn == nil {
		return ErrNotConnected
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := g.write(conn, "PRIVMSG", channel, line); err != nil {
			return err
		}
	}
	return nil
}

// UpdateChannels replaces the channel list. When connected, channels that
// were dropped are parted and new ones joined.
func (g *Gateway) UpdateChannels(channels []string) {
	g.mu.Lock()
	toJoin := difference(channels, g.channels)
	toPart := difference(g.channels, channels)
	g.channels = append([]string(nil), channels...)
	var conn net.Conn
	if g.registered && !g.destroyed {
		conn = g.conn
	}
	g.mu.Unlock()

	if conn == nil {
		return
	}
	for _, ch := range toPart {
		if err := g.write(conn, "PART", ch); err != nil {
			slog.Warn("failed to part channel", "team", g.teamID, "channel", ch, "error", err)
		}
	}
	for _, ch := range toJoin {
		if err := g.write(conn, "JOIN", ch); err != nil {
			slog.Warn("failed to join channel", "team", g.teamID, "channel", ch, "error", err)
		}
	}
}

// Join adds a single channel.
func (g *Gateway) Join(channel string) {
	current := g.Channels()
	for _, ch := range current {
		if strings.EqualFold(ch, channel) {
			return
		}
	}
	g.UpdateChannels(append(current, channel))
}

// Part removes a single channel.
func (g *Gateway) Part(channel string) {
	current := g.Channels()
	next := current[:0]
	for _, ch := range current {
		if !strings.EqualFold(ch, channel) {
			next = append(next, ch)
		}
	}
	g.UpdateChannels(next)
}

// difference returns the members of a not in b, compared case-insensitively.
func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[strings.ToLower(s)] = true
	}
	var out []string
	for _, s := range a {
		if !in[strings.ToLower(s)] {
			out = append(out, s)
		}
	}
	return out
}

// Destroy stops the gateway: pending reconnects are cancelled, QUIT is sent
// on a live socket and no onMessage call happens after Destroy returns. It
// must not be called from inside onMessage.
func (g *Gateway) Destroy(reason string) {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyed = true
	g.registered = false
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()

	close(g.done)

	if conn != nil {
		if reason == "" {
			reason = "gateway destroyed"
		}
		quit := ircmsg.MakeMessage(nil, "", "QUIT", reason)
		if line, err := quit.Line(); err == nil {
			g.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(quitTimeout))
			conn.Write([]byte(line))
			g.writeMu.Unlock()
		}
		go conn.Close()
	}

	// Wait out an in-flight delivery.
	g.dispatchMu.Lock()
	g.dispatchMu.Unlock()

	g.emit(StateDestroyed)
}
