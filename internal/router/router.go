// Package router buffers recent IRC traffic per (team, channel) and fans
// each message out to registered broadcasters.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/helmcode/crewnet/internal/metrics"
	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/store"
)

const (
	// MaxMessages is the capacity of each channel buffer.
	MaxMessages = 500
	// DefaultReadLimit applies when ReadOptions.Limit is zero.
	DefaultReadLimit = 100
)

// Broadcaster receives every routed entry. It must not block or call Route.
type Broadcaster func(protocol.MessageEntry)

// TeamGetter is the part of the team store the router needs.
type TeamGetter interface {
	GetTeam(ctx context.Context, id string) (*models.Team, error)
}

// ReadOptions narrows Read. A zero Since means no time filter.
type ReadOptions struct {
	Limit int
	Since time.Time
}

type bufferKey struct {
	teamID  string
	channel string
}

type broadcasterEntry struct {
	id int
	fn Broadcaster
}

// Router holds the ring buffers and the broadcaster list.
type Router struct {
	teams   TeamGetter
	metrics *metrics.Metrics

	mu      sync.RWMutex
	buffers map[bufferKey]*ring

	bmu          sync.RWMutex
	broadcasters []broadcasterEntry
	nextID       int
}

// New creates a Router. teams backs ListChannels; m may be nil.
func New(teams TeamGetter, m *metrics.Metrics) *Router {
	return &Router{
		teams:   teams,
		metrics: m,
		buffers: make(map[bufferKey]*ring),
	}
}

// Route parses the tag, appends the entry to its channel buffer and invokes
// every broadcaster. Entries of one channel are delivered one at a time, in
// buffer order, and never go back in time. Route never fails.
func (r *Router) Route(ev protocol.Event) {
	b := r.buffer(bufferKey{ev.TeamID, ev.Channel})
	b.deliver.Lock()
	defer b.deliver.Unlock()

	entry := b.append(protocol.NewEntry(ev))
	r.metrics.MessageRouted(entry.TagName())

	r.bmu.RLock()
	fns := make([]broadcasterEntry, len(r.broadcasters))
	copy(fns, r.broadcasters)
	r.bmu.RUnlock()

	for _, b := range fns {
		r.invoke(b, entry)
	}
}

func (r *Router) invoke(b broadcasterEntry, entry protocol.MessageEntry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.BroadcasterPanicked()
			slog.Warn("broadcaster panicked", "broadcaster", b.id, "team", entry.TeamID, "channel", entry.Channel, "panic", fmt.Sprint(rec))
		}
	}()
	b.fn(entry)
}

func (r *Router) buffer(key bufferKey) *ring {
	r.mu.RLock()
	b, ok := r.buffers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.buffers[key]; !ok {
		b = newRing(MaxMessages)
		r.buffers[key] = b
	}
	return b
}

// Read returns up to opts.Limit entries from the tail of the channel
// buffer, after dropping entries not newer than opts.Since. Unknown teams
// and channels yield an empty slice.
func (r *Router) Read(teamID, channel string, opts ReadOptions) []protocol.MessageEntry {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	r.mu.RLock()
	b, ok := r.buffers[bufferKey{teamID, channel}]
	r.mu.RUnlock()
	if !ok {
		return []protocol.MessageEntry{}
	}

	entries := b.snapshot()
	if !opts.Since.IsZero() {
		filtered := entries[:0]
		for _, e := range entries {
			t, err := protocol.ParseTime(e.Time)
			if err != nil || t.After(opts.Since) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

// ListChannels returns the team's configured channels from the team store,
// regardless of which channels have buffered traffic.
func (r *Router) ListChannels(ctx context.Context, teamID string) ([]string, error) {
	team, err := r.teams.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	channels := []string(team.Channels)
	if len(channels) == 0 {
		channels = models.DefaultChannels
	}
	return append([]string(nil), channels...), nil
}

// ClearTeam drops every buffer belonging to teamID.
func (r *Router) ClearTeam(teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.buffers {
		if key.teamID == teamID {
			delete(r.buffers, key)
		}
	}
}

// TeamIDs returns the ids of every team with at least one buffer, sorted.
func (r *Router) TeamIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for key := range r.buffers {
		if !seen[key.teamID] {
			seen[key.teamID] = true
			ids = append(ids, key.teamID)
		}
	}
	sort.Strings(ids)
	return ids
}

// RegisterBroadcaster installs fn and returns a function that removes it.
// The returned function is idempotent.
func (r *Router) RegisterBroadcaster(fn Broadcaster) (unregister func()) {
	r.bmu.Lock()
	r.nextID++
	id := r.nextID
	r.broadcasters = append(r.broadcasters, broadcasterEntry{id: id, fn: fn})
	r.bmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.bmu.Lock()
			defer r.bmu.Unlock()
			for i, b := range r.broadcasters {
				if b.id == id {
					r.broadcasters = append(r.broadcasters[:i:i], r.broadcasters[i+1:]...)
					return
				}
			}
		})
	}
}

var _ TeamGetter = (store.Teams)(nil)
