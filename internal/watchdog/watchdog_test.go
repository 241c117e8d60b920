package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/helmcode/crewnet/internal/clock"
	"github.com/helmcode/crewnet/internal/metrics"
	"github.com/helmcode/crewnet/internal/models"
	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/store"
)

type fakeTeams struct {
	mu    sync.Mutex
	teams []models.Team
	err   error
}

func (f *fakeTeams) ListTeams(_ context.Context, filter store.TeamFilter) ([]models.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Team
	for _, t := range f.teams {
		if filter.Status == "" || t.Status == filter.Status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTeams) setHeartbeat(teamID, agentID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.teams {
		if f.teams[i].ID != teamID {
			continue
		}
		for j := range f.teams[i].Agents {
			if f.teams[i].Agents[j].ID == agentID {
				f.teams[i].Agents[j].LastHeartbeat = &at
			}
		}
	}
}

type nudge struct {
	team, agent, cmd string
}

type fakeNudger struct {
	mu     sync.Mutex
	calls  []nudge
	failOn string
}

func (f *fakeNudger) WriteControl(_ context.Context, teamID, agentID, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, nudge{teamID, agentID, cmd})
	if agentID == f.failOn {
		return errors.New("container gone")
	}
	return nil
}

func (f *fakeNudger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type statusEvent struct {
	team, agent string
	status      protocol.AgentStatus
}

type fakeStatus struct {
	mu     sync.Mutex
	events []statusEvent
}

func (f *fakeStatus) BroadcastAgentStatus(teamID, agentID string, status protocol.AgentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, statusEvent{teamID, agentID, status})
}

func (f *fakeStatus) statuses() []protocol.AgentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.AgentStatus, len(f.events))
	for i, e := range f.events {
		out[i] = e.status
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int { return &n }
func strPtr(s string) *string { return &s }
func timePtr(t time.Time) *time.Time { return &t }

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func runningTeam(id string, policy models.AutoNudge, agents ...models.Agent) models.Team {
	for i := range agents {
		agents[i].TeamID = id
	}
	return models.Team{ID: id, Name: id, Status: models.TeamStatusRunning, AutoNudge: policy, Agents: agents}
}

func setup(teams ...models.Team) (*Watchdog, *fakeTeams, *fakeNudger, *fakeStatus, *clock.FakeClock) {
	ft := &fakeTeams{teams: teams}
	fn := &fakeNudger{}
	fs := &fakeStatus{}
	fc := clock.Fake(epoch)
	w := New(ft, fn, fs, Options{Clock: fc, Metrics: metrics.New()})
	return w, ft, fn, fs, fc
}

func TestCheck_StalledAliveFlap(t *testing.T) {
	w, ft, fn, fs, fc := setup(runningTeam("t1", models.AutoNudge{IdleThresholdSeconds: intPtr(300)},
		models.Agent{ID: "dev-1", Role: models.AgentRoleDev, LastHeartbeat: timePtr(epoch.Add(-10 * time.Minute))},
	))
	ctx := context.Background()

	w.Check(ctx)
	if got := fs.statuses(); len(got) != 1 || got[0] != protocol.AgentStalled {
		t.Fatalf("first tick: expected [stalled], got %v", got)
	}
	if fn.count() != 1 {
		t.Fatalf("first tick: expected 1 nudge, got %d", fn.count())
	}
	if fn.calls[0].cmd != "nudge "+DefaultNudgeMessage {
		t.Errorf("unexpected nudge command %q", fn.calls[0].cmd)
	}

	fc.Advance(CheckInterval)
	w.Check(ctx)
	if got := fs.statuses(); len(got) != 1 {
		t.Fatalf("second tick: expected no further broadcasts, got %v", got)
	}
	if fn.count() != 2 {
		t.Fatalf("second tick: expected another nudge, got %d", fn.count())
	}

	ft.setHeartbeat("t1", "dev-1", fc.Now().Add(-time.Second))
	fc.Advance(CheckInterval)
	w.Check(ctx)
	got := fs.statuses()
	if len(got) != 2 || got[1] != protocol.AgentAlive {
		t.Fatalf("third tick: expected alive, got %v", got)
	}
	if fn.count() != 2 {
		t.Errorf("third tick: expected no nudge, got %d total", fn.count())
	}

	// Healthy agents stay quiet.
	w.Check(ctx)
	if len(fs.statuses()) != 2 {
		t.Errorf("expected no broadcast for a healthy agent, got %v", fs.statuses())
	}
}

func TestCheck_Skips(t *testing.T) {
	stale := timePtr(epoch.Add(-time.Hour))
	stopped := runningTeam("stopped", models.AutoNudge{}, models.Agent{ID: "a", LastHeartbeat: stale})
	stopped.Status = models.TeamStatusStopped

	w, _, fn, fs, _ := setup(
		runningTeam("disabled", models.AutoNudge{Enabled: boolPtr(false)},
			models.Agent{ID: "a", LastHeartbeat: stale}),
		runningTeam("chuck", models.AutoNudge{},
			models.Agent{ID: "chuck", Role: models.AgentRoleChuck, LastHeartbeat: stale},
			models.Agent{ID: "fresh", LastHeartbeat: nil}),
		stopped,
	)

	w.Check(context.Background())
	if fn.count() != 0 || len(fs.statuses()) != 0 {
		t.Errorf("expected no activity, got nudges=%v statuses=%v", fn.calls, fs.statuses())
	}
}

func TestCheck_PolicyOverrides(t *testing.T) {
	w, _, fn, fs, _ := setup(runningTeam("t", models.AutoNudge{
		Enabled:              boolPtr(true),
		IdleThresholdSeconds: intPtr(60),
		NudgeMessage:         strPtr("wake up"),
		IncludeChuck:         true,
	},
		models.Agent{ID: "chuck", Role: models.AgentRoleChuck, LastHeartbeat: timePtr(epoch.Add(-61 * time.Second))},
		models.Agent{ID: "dev", LastHeartbeat: timePtr(epoch.Add(-59 * time.Second))},
	))

	w.Check(context.Background())
	if fn.count() != 1 || fn.calls[0].agent != "chuck" || fn.calls[0].cmd != "nudge wake up" {
		t.Fatalf("unexpected nudges %v", fn.calls)
	}
	if len(fs.events) != 1 || fs.events[0].agent != "chuck" {
		t.Errorf("unexpected broadcasts %v", fs.events)
	}
}

func TestCheck_ThresholdIsInclusive(t *testing.T) {
	w, _, fn, _, _ := setup(runningTeam("t", models.AutoNudge{},
		models.Agent{ID: "dev", LastHeartbeat: timePtr(epoch.Add(-DefaultIdleThreshold))},
	))
	w.Check(context.Background())
	if fn.count() != 1 {
		t.Errorf("agent idle exactly the threshold should be nudged, got %d", fn.count())
	}
}

func TestCheck_NudgeFailureContinuesScan(t *testing.T) {
	stale := timePtr(epoch.Add(-time.Hour))
	w, _, fn, fs, _ := setup(runningTeam("t", models.AutoNudge{},
		models.Agent{ID: "broken", LastHeartbeat: stale},
		models.Agent{ID: "ok", LastHeartbeat: stale},
	))
	fn.failOn = "broken"

	w.Check(context.Background())
	if fn.count() != 2 {
		t.Fatalf("expected both agents nudged, got %v", fn.calls)
	}
	if len(fs.statuses()) != 2 {
		t.Errorf("expected two stalled broadcasts, got %v", fs.statuses())
	}
}

func TestCheck_ListError(t *testing.T) {
	w, ft, fn, fs, _ := setup()
	ft.err = errors.New("db locked")
	w.Check(context.Background())
	if fn.count() != 0 || len(fs.statuses()) != 0 {
		t.Error("expected no activity when listing fails")
	}
}

func TestCheck_StoppedTeamForgetsEpisode(t *testing.T) {
	stale := timePtr(epoch.Add(-time.Hour))
	w, ft, _, fs, _ := setup(runningTeam("t", models.AutoNudge{}, models.Agent{ID: "dev", LastHeartbeat: stale}))
	ctx := context.Background()

	w.Check(ctx)
	ft.mu.Lock()
	ft.teams[0].Status = models.TeamStatusStopped
	ft.mu.Unlock()
	w.Check(ctx)
	ft.mu.Lock()
	ft.teams[0].Status = models.TeamStatusRunning
	ft.mu.Unlock()
	w.Check(ctx)

	got := fs.statuses()
	if len(got) != 2 || got[0] != protocol.AgentStalled || got[1] != protocol.AgentStalled {
		t.Errorf("expected a new stalled episode after restart, got %v", got)
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	w, _, fn, _, fc := setup(runningTeam("t", models.AutoNudge{},
		models.Agent{ID: "dev", LastHeartbeat: timePtr(epoch.Add(-time.Hour))},
	))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	fc.WaitForTimers(1)
	fc.Advance(CheckInterval)
	deadline := time.Now().Add(2 * time.Second)
	for fn.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fn.count() < 1 {
		t.Fatal("expected a nudge after one interval")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := fc.PendingCount(); n != 0 {
		t.Errorf("ticker not stopped: %d pending", n)
	}
}

func TestCheck_RemovedAgentForgetsEpisode(t *testing.T) {
	stale := timePtr(epoch.Add(-time.Hour))
	w, ft, _, fs, _ := setup(runningTeam("t", models.AutoNudge{},
		models.Agent{ID: "dev", LastHeartbeat: stale},
		models.Agent{ID: "qa", LastHeartbeat: timePtr(epoch)},
	))
	ctx := context.Background()

	w.Check(ctx)
	ft.mu.Lock()
	agents := ft.teams[0].Agents
	ft.teams[0].Agents = agents[1:]
	ft.mu.Unlock()
	w.Check(ctx)
	if len(w.stalled) != 0 {
		t.Fatalf("stalled set still holds %v after the agent left", w.stalled)
	}

	ft.mu.Lock()
	ft.teams[0].Agents = append([]models.Agent{{ID: "dev", TeamID: "t", LastHeartbeat: stale}}, agents[1:]...)
	ft.mu.Unlock()
	w.Check(ctx)

	got := fs.statuses()
	if len(got) != 2 || got[0] != protocol.AgentStalled || got[1] != protocol.AgentStalled {
		t.Errorf("expected a new stalled episode for the re-added agent, got %v", got)
	}
}
