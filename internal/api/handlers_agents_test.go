package api

import (
	"context"
	"testing"
)

func TestHeartbeat_Success(t *testing.T) {
	env := setupTestServer(t)
	env.seedTeam(t, "team-1", env.tenantA, "dev-1", "qa-1")

	for name, cred := range map[string]string{
		"tenant key": keyA,
		"team token": env.teamToken(t, "team-1"),
	} {
		t.Run(name, func(t *testing.T) {
			rec := doRequest(env.srv, "POST", "/heartbeat/team-1/dev-1", cred, nil)
			if rec.Code != 200 {
				t.Fatalf("status: got %d, want 200\nbody: %s", rec.Code, rec.Body.String())
			}
			var resp HeartbeatResponse
			parseJSON(t, rec, &resp)
			if !resp.OK || resp.At != "2024-06-01T09:30:00.000Z" {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}

	team, err := env.teams.GetTeam(context.Background(), "team-1")
	if err != nil {
		t.Fatalf("GetTeam: %v", err)
	}
	if hb := team.Agent("dev-1").LastHeartbeat; hb == nil || !hb.Equal(testNow) {
		t.Errorf("dev-1 heartbeat not persisted: %v", hb)
	}
	if hb := team.Agent("qa-1").LastHeartbeat; hb != nil {
		t.Errorf("qa-1 heartbeat should be untouched, got %v", hb)
	}
}

func TestHeartbeat_Errors(t *testing.T) {
	env := setupTestServer(t)
	env.seedTeam(t, "team-1", env.tenantA, "dev-1")
	env.seedTeam(t, "team-2", env.tenantA, "dev-1")
	env.seedTeam(t, "orphan", "", "dev-1")

	tests := []struct {
		name   string
		path   string
		cred   string
		status int
		code   string
	}{
		{"no credentials", "/heartbeat/team-1/dev-1", "", 401, "UNAUTHORIZED"},
		{"unknown team", "/heartbeat/nope/dev-1", keyA, 404, "NOT_FOUND"},
		{"other tenant", "/heartbeat/team-1/dev-1", keyB, 403, "FORBIDDEN"},
		{"unclaimed team", "/heartbeat/orphan/dev-1", keyA, 403, "FORBIDDEN"},
		{"token for another team", "/heartbeat/team-2/dev-1", env.teamToken(t, "team-1"), 403, "FORBIDDEN"},
		{"unknown agent", "/heartbeat/team-1/ghost", keyA, 404, "AGENT_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(env.srv, "POST", tt.path, tt.cred, nil)
			expectError(t, rec, tt.status, tt.code)
		})
	}
}
