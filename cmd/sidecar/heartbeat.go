package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// heartbeater posts liveness signals for one agent to the manager.
type heartbeater struct {
	client   *http.Client
	endpoint string
	token    string
}

func newHeartbeater(managerURL, teamID, agentID, token string) *heartbeater {
	return &heartbeater{
		client:   &http.Client{Timeout: 10 * time.Second},
		endpoint: strings.TrimRight(managerURL, "/") + "/heartbeat/" + url.PathEscape(teamID) + "/" + url.PathEscape(agentID),
		token:    token,
	}
}

// beat sends one heartbeat.
func (h *heartbeater) beat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("heartbeat rejected: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// run beats immediately and then every interval until ctx is cancelled.
// Failures are logged and retried on the next tick.
func (h *heartbeater) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := h.beat(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
