package api

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/helmcode/crewnet/internal/protocol"
	"github.com/helmcode/crewnet/internal/router"
)

func routeAt(env *testEnv, team, channel, text string, sec int) {
	env.router.Route(protocol.Event{
		TeamID:  team,
		Channel: channel,
		Nick:    "dev-1",
		Text:    text,
		Time:    protocol.FormatTime(time.Unix(int64(sec), 0)),
	})
}

func TestGetChannelMessages(t *testing.T) {
	env := setupTestServer(t)
	env.seedTeam(t, "team-1", env.tenantA)
	for i := 1; i <= 5; i++ {
		routeAt(env, "team-1", "#main", fmt.Sprintf("m%d", i), i)
	}
	routeAt(env, "team-1", "#tasks", "[ASSIGN] @dev-1 fix it", 6)

	var entries []protocol.MessageEntry
	rec := doRequest(env.srv, "GET", "/api/teams/team-1/channels/main/messages?limit=2", keyA, nil)
	if rec.Code != 200 {
		t.Fatalf("status: got %d\nbody: %s", rec.Code, rec.Body.String())
	}
	parseJSON(t, rec, &entries)
	if len(entries) != 2 || entries[0].Text != "m4" || entries[1].Text != "m5" {
		t.Errorf("limit=2: unexpected entries %+v", entries)
	}

	rec = doRequest(env.srv, "GET", "/api/teams/team-1/channels/main/messages?since=1970-01-01T00:00:03Z", keyA, nil)
	parseJSON(t, rec, &entries)
	if len(entries) != 2 || entries[0].Text != "m4" {
		t.Errorf("since: unexpected entries %+v", entries)
	}

	rec = doRequest(env.srv, "GET", "/api/teams/team-1/channels/%23tasks/messages", keyA, nil)
	parseJSON(t, rec, &entries)
	if len(entries) != 1 || entries[0].TagName() != "ASSIGN" || *entries[0].TagBody != "@dev-1 fix it" {
		t.Errorf("tasks: unexpected entries %+v", entries)
	}

	// Unknown channels are an empty list, not null.
	rec = doRequest(env.srv, "GET", "/api/teams/team-1/channels/void/messages", keyA, nil)
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("unknown channel: got %s, want []", body)
	}
}

func TestGetChannelMessages_Errors(t *testing.T) {
	env := setupTestServer(t)
	env.seedTeam(t, "team-1", env.tenantA)

	rec := doRequest(env.srv, "GET", "/api/teams/team-1/channels/main/messages?since=yesterday", keyA, nil)
	expectError(t, rec, 400, "INVALID_SINCE")

	rec = doRequest(env.srv, "GET", "/api/teams/team-1/channels/main/messages?limit=-1", keyA, nil)
	expectError(t, rec, 400, "INVALID_LIMIT")

	rec = doRequest(env.srv, "GET", "/api/teams/team-1/channels/main/messages", keyB, nil)
	expectError(t, rec, 403, "FORBIDDEN")

	rec = doRequest(env.srv, "GET", "/api/teams/nope/channels/main/messages", keyA, nil)
	expectError(t, rec, 404, "NOT_FOUND")
}

func TestPostChannelMessage_Validation(t *testing.T) {
	env := setupTestServer(t)
	env.seedTeam(t, "team-1", env.tenantA)

	rec := doRequest(env.srv, "POST", "/api/teams/team-1/channels/main/messages", keyA, SendMessageRequest{Text: "  "})
	expectError(t, rec, 400, "MISSING_TEXT")

	// No gateway has been started for the team.
	rec = doRequest(env.srv, "POST", "/api/teams/team-1/channels/main/messages", keyA, SendMessageRequest{Text: "hi"})
	expectError(t, rec, 503, "GATEWAY_NOT_READY")

	rec = doRequest(env.srv, "POST", "/api/teams/nope/channels/main/messages", keyA, SendMessageRequest{Text: "hi"})
	expectError(t, rec, 404, "NOT_FOUND")
}

func TestPostChannelMessage_GatewayNotRegistered(t *testing.T) {
	env := setupTestServer(t)
	team := env.seedTeam(t, "team-1", env.tenantA)

	// The pool dialer refuses the templated host, so the gateway never registers.
	env.pool.Create(team, env.router.Route)

	rec := doRequest(env.srv, "POST", "/api/teams/team-1/channels/main/messages", keyA, SendMessageRequest{Text: "hi"})
	expectError(t, rec, 503, "GATEWAY_NOT_READY")
}

func TestPostChannelMessage_SendsAndEchoes(t *testing.T) {
	env := setupTestServer(t)
	broker := newFakeBroker(t)
	team := env.seedTeam(t, "team-1", env.tenantA)
	team.BrokerHost, team.BrokerPort = broker.hostPort()

	env.pool.Create(team, env.router.Route)
	g := waitConnected(t, env.pool, "team-1")

	rec := doRequest(env.srv, "POST", "/api/teams/team-1/channels/main/messages", keyA,
		SendMessageRequest{Text: "first line\nsecond line"})
	if rec.Code != 200 {
		t.Fatalf("status: got %d\nbody: %s", rec.Code, rec.Body.String())
	}
	var resp SendMessageResponse
	parseJSON(t, rec, &resp)
	if !resp.OK || resp.Channel != "#main" || resp.Text != "first line\nsecond line" {
		t.Errorf("unexpected response %+v", resp)
	}

	if line := broker.expectLine(t, "PRIVMSG #main"); !strings.HasSuffix(line, "first line") {
		t.Errorf("unexpected PRIVMSG %q", line)
	}
	if line := broker.expectLine(t, "PRIVMSG #main"); !strings.HasSuffix(line, "second line") {
		t.Errorf("unexpected PRIVMSG %q", line)
	}

	echoed := env.router.Read("team-1", "#main", router.ReadOptions{Limit: 10})
	if len(echoed) != 2 || echoed[0].Nick != g.Nick() || echoed[1].Text != "second line" {
		t.Errorf("sent lines not echoed into the buffer: %+v", echoed)
	}

	// The team-level endpoint defaults to #main and accepts an explicit channel.
	rec = doRequest(env.srv, "POST", "/api/teams/team-1/messages", keyA, SendMessageRequest{Text: "status?", Channel: "tasks"})
	if rec.Code != 200 {
		t.Fatalf("status: got %d\nbody: %s", rec.Code, rec.Body.String())
	}
	if line := broker.expectLine(t, "PRIVMSG #tasks"); !strings.HasSuffix(line, "status?") {
		t.Errorf("unexpected PRIVMSG %q", line)
	}
}
