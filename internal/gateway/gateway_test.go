package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helmcode/crewnet/internal/clock"
	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
)

// ircServer is a scripted IRC broker on a loopback port.
type ircServer struct {
	ln    net.Listener
	conns chan *ircConn
}

type ircConn struct {
	conn  net.Conn
	lines chan string
}

func newIRCServer(t *testing.T) *ircServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &ircServer{ln: ln, conns: make(chan *ircConn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			ic := &ircConn{conn: c, lines: make(chan string, 64)}
			go func() {
				defer close(ic.lines)
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					ic.lines <- strings.TrimRight(sc.Text(), "\r")
				}
			}()
			s.conns <- ic
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *ircServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *ircServer) accept(t *testing.T) *ircConn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.conn.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection from gateway")
		return nil
	}
}

// expect reads lines until one starts with prefix.
func (c *ircConn) expect(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

func (c *ircConn) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

type events struct {
	mu  sync.Mutex
	got []protocol.Event
	ch  chan protocol.Event
}

func newEvents() *events { return &events{ch: make(chan protocol.Event, 64)} }

func (e *events) on(ev protocol.Event) {
	e.mu.Lock()
	e.got = append(e.got, ev)
	e.mu.Unlock()
	e.ch <- ev
}

func (e *events) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
		return protocol.Event{}
	}
}

func (e *events) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.got)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testTeam(srv *ircServer, channels ...string) *models.Team {
	return &models.Team{
		ID:         "team-1",
		Name:       "alpha",
		Status:     models.TeamStatusRunning,
		Channels:   channels,
		BrokerHost: "127.0.0.1",
		BrokerPort: srv.port(),
	}
}

// register drives the gateway through NICK/USER/001 and the initial JOINs.
func register(t *testing.T, c *ircConn, g *Gateway, channels ...string) {
	t.Helper()
	c.expect(t, "NICK manager-alpha")
	user := c.expect(t, "USER ")
	if user != "USER manager 0 * :A1 Manager — team alpha" {
		t.Errorf("unexpected USER line %q", user)
	}
	c.send(t, ":ergo.test 001 manager-alpha :Welcome")
	for _, ch := range channels {
		c.expect(t, "JOIN "+ch)
	}
	waitFor(t, "registration", g.Connected)
}

func TestGateway_RegisterJoinAndDeliver(t *testing.T) {
	srv := newIRCServer(t)
	pool := NewPool(Config{})
	ev := newEvents()

	g := pool.Create(testTeam(srv, "#main", "#tasks"), ev.on)
	defer pool.DestroyAll("test done")
	c := srv.accept(t)
	register(t, c, g, "#main", "#tasks")

	c.send(t, ":dev!dev@agent PRIVMSG #main :[PR] https://example.com/pr/1")
	got := ev.next(t)
	if got.TeamID != "team-1" || got.TeamName != "alpha" || got.Channel != "#main" || got.Nick != "dev" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Text != "[PR] https://example.com/pr/1" {
		t.Errorf("unexpected text %q", got.Text)
	}
	if _, err := protocol.ParseTime(got.Time); err != nil {
		t.Errorf("bad time %q: %v", got.Time, err)
	}

	// Private messages and unjoined channels are ignored.
	c.send(t, ":dev!dev@agent PRIVMSG manager-alpha :psst")
	c.send(t, ":dev!dev@agent PRIVMSG #elsewhere :nope")
	c.send(t, ":qa!qa@agent PRIVMSG #TASKS :[DONE] sentinel")

	got = ev.next(t)
	if got.Text != "[DONE] sentinel" || got.Nick != "qa" {
		t.Errorf("expected sentinel, got %+v", got)
	}
	if ev.count() != 2 {
		t.Errorf("expected 2 events, got %d", ev.count())
	}
}

func TestGateway_PingPong(t *testing.T) {
	srv := newIRCServer(t)
	pool := NewPool(Config{})
	g := pool.Create(testTeam(srv, "#main"), nil)
	defer pool.DestroyAll("")
	c := srv.accept(t)
	register(t, c, g, "#main")

	c.send(t, "PING :ergo.test")
	if line := c.expect(t, "PONG"); line != "PONG ergo.test" && line != "PONG :ergo.test" {
		t.Errorf("unexpected pong %q", line)
	}
}

func TestGateway_NickInUse(t *testing.T) {
	srv := newIRCServer(t)
	pool := NewPool(Config{})
	g := pool.Create(testTeam(srv, "#main"), nil)
	defer pool.DestroyAll("")
	c := srv.accept(t)

	c.expect(t, "NICK manager-alpha")
	c.send(t, ":ergo.test 433 * manager-alpha :Nickname is already in use")
	c.expect(t, "NICK manager-alpha_")
	c.send(t, ":ergo.test 001 manager-alpha_ :Welcome")
	c.expect(t, "JOIN #main")
	waitFor(t, "registration", g.Connected)

	if g.Nick() != "manager-alpha_" {
		t.Errorf("expected nick manager-alpha_, got %q", g.Nick())
	}
}

func TestGateway_Say(t *testing.T) {
	srv := newIRCServer(t)
	pool := NewPool(Config{})
	g := pool.Create(testTeam(srv, "#main"), nil)
	defer pool.DestroyAll("")
	c := srv.accept(t)

	if err := g.Say("#main", "too early"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before registration, got %v", err)
	}

	register(t, c, g, "#main")

	if err := g.Say("#main", "[ASSIGN] @dev take #7"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if line := c.expect(t, "PRIVMSG"); line != "PRIVMSG #main :[ASSIGN] @dev take #7" {
		t.Errorf("unexpected line %q", line)
	}

	if err := g.Say("#main", "first\r\n\nsecond"); err != nil {
		t.Fatalf("Say multi-line: %v", err)
	}
	if line := c.expect(t, "PRIVMSG"); line != "PRIVMSG #main first" && line != "PRIVMSG #main :first" {
		t.Errorf("unexpected first line %q", line)
	}
	if line := c.expect(t, "PRIVMSG"); line != "PRIVMSG #main second" && line != "PRIVMSG #main :second" {
		t.Errorf("unexpected second line %q", line)
	}
}

func TestGateway_UpdateChannelsConnected(t *testing.T) {
	srv := newIRCServer(t)
	pool := NewPool(Config{})
	g := pool.Create(testTeam(srv, "#main", "#tasks"), nil)
	defer pool.DestroyAll("")
	c := srv.accept(t)
	register(t, c, g, "#main", "#tasks")

	g.UpdateChannels([]string{"#tasks", "#ops"})

	c.expect(t, "PART #main")
	c.expect(t, "JOIN #ops")

	got := g.Channels()
	if len(got) != 2 || got[0] != "#tasks" || got[1] != "#ops" {
		t.Errorf("unexpected channels %v", got)
	}

	g.Join("#review")
	c.expect(t, "JOIN #review")
	g.Part("#tasks")
	c.expect(t, "PART #tasks")

	got = g.Channels()
	if len(got) != 2 || got[0] != "#ops" || got[1] != "#review" {
		t.Errorf("unexpected channels after join/part %v", got)
	}
}

func TestGateway_DestroySendsQuitAndStopsDelivery(t *testing.T) {
	srv := newIRCServer(t)
	pool := NewPool(Config{})
	ev := newEvents()
	g := pool.Create(testTeam(srv, "#main"), ev.on)
	c := srv.accept(t)
	register(t, c, g, "#main")

	var states []State
	var smu sync.Mutex
	g.OnState(func(s State) {
		smu.Lock()
		states = append(states, s)
		smu.Unlock()
	})

	pool.Destroy("team-1")
	pool.Destroy("team-1") // idempotent

	if line := c.expect(t, "QUIT"); !strings.Contains(line, "gateway destroyed") {
		t.Errorf("unexpected quit %q", line)
	}
	if pool.Get("team-1") != nil {
		t.Error("expected gateway to be removed from the pool")
	}
	if g.Connected() {
		t.Error("destroyed gateway reports connected")
	}
	if err := g.Say("#main", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after destroy, got %v", err)
	}

	// The broker may still push lines; none may be delivered.
	c.conn.Write([]byte(":dev PRIVMSG #main :late\r\n"))
	time.Sleep(50 * time.Millisecond)
	if ev.count() != 0 {
		t.Errorf("expected no events after destroy, got %d", ev.count())
	}

	smu.Lock()
	defer smu.Unlock()
	if len(states) == 0 || states[len(states)-1] != StateDestroyed {
		t.Errorf("expected destroyed state, got %v", states)
	}
}

func TestPool_CreateIsIdempotent(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	d := &refusingDialer{clock: c}
	pool := NewPool(Config{Dial: d.dial, Clock: c})
	defer pool.DestroyAll("")

	team := &models.Team{ID: "t1", Name: "alpha"}
	g1 := pool.Create(team, nil)
	g2 := pool.Create(&models.Team{ID: "t1", Name: "renamed"}, nil)
	if g1 != g2 {
		t.Fatal("expected the existing gateway")
	}
	pool.Create(&models.Team{ID: "t0", Name: "beta"}, nil)

	ids := pool.TeamIDs()
	if len(ids) != 2 || ids[0] != "t0" || ids[1] != "t1" {
		t.Errorf("unexpected ids %v", ids)
	}
	total, connected := pool.Stats()
	if total != 2 || connected != 0 {
		t.Errorf("stats: %d/%d", total, connected)
	}

	// Default channels when the team has none.
	if got := g1.Channels(); len(got) != len(models.DefaultChannels) {
		t.Errorf("expected default channels, got %v", got)
	}
}

func TestPool_Address(t *testing.T) {
	pool := NewPool(Config{})
	if got := pool.Address(&models.Team{Name: "alpha"}); got != "ergo-alpha:6667" {
		t.Errorf("got %q", got)
	}
	if got := pool.Address(&models.Team{Name: "alpha", BrokerHost: "irc.example.com", BrokerPort: 7000}); got != "irc.example.com:7000" {
		t.Errorf("got %q", got)
	}

	custom := NewPool(Config{HostTemplate: "%s.irc.svc", Port: 6697})
	if got := custom.Address(&models.Team{Name: "beta"}); got != net.JoinHostPort("beta.irc.svc", strconv.Itoa(6697)) {
		t.Errorf("got %q", got)
	}
}

// refusingDialer fails every dial and records when each attempt happened.
type refusingDialer struct {
	clock *clock.FakeClock

	mu       sync.Mutex
	attempts []time.Time
}

func (d *refusingDialer) dial(_ context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, d.clock.Now())
	d.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (d *refusingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func TestGateway_ReconnectBackoff(t *testing.T) {
	start := time.Unix(1000, 0)
	c := clock.Fake(start)
	d := &refusingDialer{clock: c}
	pool := NewPool(Config{Dial: d.dial, Clock: c})

	pool.Create(&models.Team{ID: "t1", Name: "alpha"}, nil)

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	elapsed := time.Duration(0)
	for i, delay := range want {
		c.WaitForTimers(1)
		sched := c.Scheduled()
		if got := sched[len(sched)-1]; got != delay {
			t.Fatalf("reconnect %d: scheduled %v, want %v", i, got, delay)
		}
		if d.count() != i+1 {
			t.Fatalf("expected %d dial attempts before advancing, got %d", i+1, d.count())
		}
		c.Advance(delay)
		elapsed += delay
	}

	d.mu.Lock()
	attempts := append([]time.Time(nil), d.attempts...)
	d.mu.Unlock()
	offsets := []time.Duration{0, 1, 3, 7, 15, 31, 61, 91}
	for i, off := range offsets {
		if !attempts[i].Equal(start.Add(off * time.Second)) {
			t.Errorf("attempt %d at %v, want t+%ds", i, attempts[i].Sub(start), off)
		}
	}

	pool.Destroy("t1")
	if c.PendingCount() != 0 {
		t.Errorf("expected pending reconnect to be cancelled, %d left", c.PendingCount())
	}
	before := d.count()
	c.Advance(10 * time.Minute)
	if d.count() != before {
		t.Errorf("dial attempted after destroy: %d -> %d", before, d.count())
	}
}

func TestGateway_RecreateStartsAtBaseDelay(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	d := &refusingDialer{clock: c}
	pool := NewPool(Config{Dial: d.dial, Clock: c})
	team := &models.Team{ID: "t1", Name: "alpha"}

	pool.Create(team, nil)
	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		c.WaitForTimers(1)
		c.Advance(delay)
	}
	c.WaitForTimers(1)
	pool.Destroy("t1")

	pool.Create(team, nil)
	defer pool.DestroyAll("")
	c.WaitForTimers(1)
	sched := c.Scheduled()
	if got := sched[len(sched)-1]; got != ReconnectBase {
		t.Errorf("expected fresh gateway to use %v, got %v", ReconnectBase, got)
	}
}

func TestGateway_UpdateChannelsDisconnected(t *testing.T) {
	c := clock.Fake(time.Unix(0, 0))
	d := &refusingDialer{clock: c}
	pool := NewPool(Config{Dial: d.dial, Clock: c})
	defer pool.DestroyAll("")

	g := pool.Create(&models.Team{ID: "t1", Name: "alpha", Channels: models.ChannelList{"#main"}}, nil)
	g.UpdateChannels([]string{"#a", "#b"})

	got := g.Channels()
	if len(got) != 2 || got[0] != "#a" || got[1] != "#b" {
		t.Errorf("expected list to be replaced while disconnected, got %v", got)
	}
	if err := g.Say("#a", "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestGateway_ReconnectsAfterBrokerCloses(t *testing.T) {
	srv := newIRCServer(t)
	pool := NewPool(Config{})
	ev := newEvents()
	g := pool.Create(testTeam(srv, "#main"), ev.on)
	defer pool.DestroyAll("")

	first := srv.accept(t)
	register(t, first, g, "#main")
	first.conn.Close()
	waitFor(t, "disconnect", func() bool { return !g.Connected() })

	// Real clock: the first retry comes after ReconnectBase.
	second := srv.accept(t)
	register(t, second, g, "#main")

	second.send(t, ":dev PRIVMSG #main :back")
	if got := ev.next(t); got.Text != "back" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestSourceNick(t *testing.T) {
	tests := map[string]string{
		"dev!dev@agent": "dev",
		"dev@host":      "dev",
		"ergo.test":     "ergo.test",
		"":              "",
	}
	for in, want := range tests {
		if got := sourceNick(in); got != want {
			t.Errorf("sourceNick(%q) = %q, want %q", in, got, want)
		}
	}
}
