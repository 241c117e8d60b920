package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/helmcode/crewnet/internal/clock"
	"github.com/helmcode/crewnet/internal/metrics"
	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
)

// Config controls how the pool reaches each team's broker.
type Config struct {
	// HostTemplate is formatted with the team name. Defaults to "ergo-%s".
	HostTemplate string
	// Port is used when a team has no broker port of its own. Defaults to 6667.
	Port int

	Dial    DialFunc
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Pool is the registry of gateways keyed by team id.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	gateways map[string]*Gateway
}

// NewPool creates an empty pool, filling in Config defaults.
func NewPool(cfg Config) *Pool {
	if cfg.HostTemplate == "" {
		cfg.HostTemplate = "ergo-%s"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{Timeout: dialTimeout}).DialContext
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Pool{cfg: cfg, gateways: make(map[string]*Gateway)}
}

// Address returns the broker address for a team: its own broker host/port
// when set, the templated host and pool port otherwise.
func (p *Pool) Address(team *models.Team) string {
	host := team.BrokerHost
	if host == "" {
		host = fmt.Sprintf(p.cfg.HostTemplate, team.Name)
	}
	port := team.BrokerPort
	if port == 0 {
		port = p.cfg.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Create returns the team's gateway, starting a new one if none exists.
// onMessage is called for every channel message, one at a time, in arrival
// order. An existing gateway is returned unchanged.
func (p *Pool) Create(team *models.Team, onMessage func(protocol.Event)) *Gateway {
	p.mu.Lock()
	defer p.mu.Unlock()

	if g, ok := p.gateways[team.ID]; ok {
		return g
	}

	channels := []string(team.Channels)
	if len(channels) == 0 {
		channels = models.DefaultChannels
	}
	g := newGateway(team.ID, team.Name, p.Address(team), channels, p.cfg.Dial, p.cfg.Clock, p.cfg.Metrics, onMessage)
	p.gateways[team.ID] = g
	slog.Info("irc gateway created", "team", team.ID, "name", team.Name, "addr", g.addr)
	g.start()
	return g
}

// Get returns the team's gateway or nil.
func (p *Pool) Get(teamID string) *Gateway {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gateways[teamID]
}

// Destroy stops and removes the team's gateway. Unknown teams are a no-op.
func (p *Pool) Destroy(teamID string) {
	p.mu.Lock()
	g, ok := p.gateways[teamID]
	delete(p.gateways, teamID)
	p.mu.Unlock()

	if ok {
		g.Destroy("gateway destroyed")
	}
}

// DestroyAll stops every gateway, sending reason with each QUIT.
func (p *Pool) DestroyAll(reason string) {
	p.mu.Lock()
	all := make([]*Gateway, 0, len(p.gateways))
	for id, g := range p.gateways {
		all = append(all, g)
		delete(p.gateways, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, g := range all {
		wg.Add(1)
		go func(g *Gateway) {
			defer wg.Done()
			g.Destroy(reason)
		}(g)
	}
	wg.Wait()
}

// TeamIDs returns the ids of all registered gateways, sorted.
func (p *Pool) TeamIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.gateways))
	for id := range p.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats counts registered and connected gateways.
func (p *Pool) Stats() (total, connected int) {
	p.mu.Lock()
	all := make([]*Gateway, 0, len(p.gateways))
	for _, g := range p.gateways {
		all = append(all, g)
	}
	p.mu.Unlock()

	for _, g := range all {
		if g.Connected() {
			connected++
		}
	}
	return len(all), connected
}
