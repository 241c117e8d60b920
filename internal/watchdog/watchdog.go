// Package watchdog nudges agents whose heartbeats have gone quiet and
// reports stalled/alive transitions to dashboard subscribers.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/helmcode/crewnet/internal/clock"
	"github.com/helmcode/crewnet/internal/metrics"
	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/store"
)

const (
	CheckInterval        = 15 * time.Second
	DefaultIdleThreshold = 300 * time.Second
	NudgeTimeout         = 10 * time.Second

	DefaultNudgeMessage = "You have been idle for a while. Check #tasks for open work and post your status in #main."
)

// TeamLister is the part of the team store the watchdog reads.
type TeamLister interface {
	ListTeams(ctx context.Context, filter store.TeamFilter) ([]models.Team, error)
}

// Nudger delivers a control command to an agent.
type Nudger interface {
	WriteControl(ctx context.Context, teamID, agentID, cmd string) error
}

// StatusBroadcaster publishes agent status changes.
type StatusBroadcaster interface {
	BroadcastAgentStatus(teamID, agentID string, status protocol.AgentStatus)
}

type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

type agentKey struct {
	team, agent string
}

// Watchdog is not safe for concurrent use: Check and Run must be driven
// from a single goroutine.
type Watchdog struct {
	teams  TeamLister
	nudger Nudger
	status StatusBroadcaster
	opts   Options

	stalled map[agentKey]struct{}
}

func New(teams TeamLister, nudger Nudger, status StatusBroadcaster, opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = CheckInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Watchdog{
		teams:   teams,
		nudger:  nudger,
		status:  status,
		opts:    opts,
		stalled: make(map[agentKey]struct{}),
	}
}

// Run checks every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.opts.Clock.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	slog.Info("watchdog started", "interval", w.opts.Interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check runs one scan over every running team.
func (w *Watchdog) Check(ctx context.Context) {
	teams, err := w.teams.ListTeams(ctx, store.TeamFilter{Status: models.TeamStatusRunning})
	if err != nil {
		slog.Error("watchdog: failed to list teams", "error", err)
		return
	}

	now := w.opts.Clock.Now()
	scanned := make(map[agentKey]bool)
	for i := range teams {
		team := &teams[i]
		if team.AutoNudge.Enabled != nil && !*team.AutoNudge.Enabled {
			continue
		}
		for j := range team.Agents {
			if ctx.Err() != nil {
				return
			}
			scanned[agentKey{team.ID, team.Agents[j].ID}] = true
			w.checkAgent(ctx, team, &team.Agents[j], now)
		}
	}

	// Forget episodes of agents that left, and of teams that stopped or
	// turned nudging off, so a later idle spell is reported again.
	for key := range w.stalled {
		if !scanned[key] {
			delete(w.stalled, key)
		}
	}
}

func (w *Watchdog) checkAgent(ctx context.Context, team *models.Team, agent *models.Agent, now time.Time) {
	policy := team.AutoNudge
	if agent.Role == models.AgentRoleChuck && !policy.IncludeChuck {
		return
	}
	if agent.LastHeartbeat == nil {
		return
	}

	threshold := DefaultIdleThreshold
	if policy.IdleThresholdSeconds != nil {
		threshold = time.Duration(*policy.IdleThresholdSeconds) * time.Second
	}
	message := DefaultNudgeMessage
	if policy.NudgeMessage != nil {
		message = *policy.NudgeMessage
	}

	key := agentKey{team.ID, agent.ID}
	idle := now.Sub(*agent.LastHeartbeat)
	if idle < threshold {
		if _, ok := w.stalled[key]; ok {
			delete(w.stalled, key)
			slog.Info("agent recovered", "team", team.ID, "agent", agent.ID)
			w.transition(key, protocol.AgentAlive)
		}
		return
	}

	if _, ok := w.stalled[key]; !ok {
		w.stalled[key] = struct{}{}
		slog.Warn("agent stalled", "team", team.ID, "agent", agent.ID, "idle", idle.Round(time.Second).String())
		w.transition(key, protocol.AgentStalled)
	}
	w.nudge(ctx, key, message)
}

func (w *Watchdog) transition(key agentKey, status protocol.AgentStatus) {
	w.opts.Metrics.AgentTransition(string(status))
	if w.status != nil {
		w.status.BroadcastAgentStatus(key.team, key.agent, status)
	}
}

func (w *Watchdog) nudge(ctx context.Context, key agentKey, message string) {
	if w.nudger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, NudgeTimeout)
	defer cancel()

	if err := w.nudger.WriteControl(ctx, key.team, key.agent, "nudge "+message); err != nil {
		w.opts.Metrics.Nudge("error")
		slog.Warn("nudge failed", "team", key.team, "agent", key.agent, "error", err)
		return
	}
	w.opts.Metrics.Nudge("ok")
	slog.Debug("agent nudged", "team", key.team, "agent", key.agent)
}
