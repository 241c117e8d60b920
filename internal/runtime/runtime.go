// Package runtime reaches into agent containers. It provides the console
// transports (tmux capture, input and resize) and the exec nudge transport
// on top of a container runtime's exec facility.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Labels that locate an agent's container or pod.
const (
	LabelTeam  = "crewnet.team"
	LabelAgent = "crewnet.agent"
)

const (
	DefaultTmuxSession = "agent"
	DefaultControlPath = "/run/crewnet/control"
)

// ErrNoContainer is returned when no running container carries the agent's labels.
var ErrNoContainer = errors.New("no running container for agent")

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with code %d", e.Code)
	}
	return fmt.Sprintf("command exited with code %d: %s", e.Code, e.Stderr)
}

// Executor runs a command inside the container of one agent and returns
// its standard output. stdin may be nil.
type Executor interface {
	Exec(ctx context.Context, teamID, agentID string, cmd []string, stdin io.Reader) ([]byte, error)
}

// Transport implements the console transports and the exec nudge
// transport for a tmux session running in every agent container.
type Transport struct {
	exec        Executor
	session     string
	controlPath string
}

// NewTransport wraps exec. Empty session and controlPath use the defaults.
func NewTransport(exec Executor, session, controlPath string) *Transport {
	if session == "" {
		session = DefaultTmuxSession
	}
	if controlPath == "" {
		controlPath = DefaultControlPath
	}
	return &Transport{exec: exec, session: session, controlPath: controlPath}
}

// CapturePane returns the visible pane content, escape sequences included.
func (t *Transport) CapturePane(ctx context.Context, teamID, agentID string) (string, error) {
	out, err := t.exec.Exec(ctx, teamID, agentID, []string{"tmux", "capture-pane", "-p", "-e", "-t", t.session}, nil)
	if err != nil {
		return "", fmt.Errorf("capturing pane of %s/%s: %w", teamID, agentID, err)
	}
	return string(out), nil
}

// SendInput types data into the pane literally.
func (t *Transport) SendInput(ctx context.Context, teamID, agentID, data string) error {
	if _, err := t.exec.Exec(ctx, teamID, agentID, []string{"tmux", "send-keys", "-t", t.session, "-l", data}, nil); err != nil {
		return fmt.Errorf("sending input to %s/%s: %w", teamID, agentID, err)
	}
	return nil
}

// Resize changes the tmux window size.
func (t *Transport) Resize(ctx context.Context, teamID, agentID string, cols, rows int) error {
	cmd := []string{"tmux", "resize-window", "-t", t.session, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)}
	if _, err := t.exec.Exec(ctx, teamID, agentID, cmd, nil); err != nil {
		return fmt.Errorf("resizing %s/%s: %w", teamID, agentID, err)
	}
	return nil
}

// WriteControl appends one command line to the agent's control file.
func (t *Transport) WriteControl(ctx context.Context, teamID, agentID, command string) error {
	line := strings.ReplaceAll(command, "\n", " ") + "\n"
	cmd := []string{"sh", "-c", `mkdir -p "$(dirname "$1")" && cat >> "$1"`, "sh", t.controlPath}
	if _, err := t.exec.Exec(ctx, teamID, agentID, cmd, bytes.NewBufferString(line)); err != nil {
		return fmt.Errorf("writing control command to %s/%s: %w", teamID, agentID, err)
	}
	return nil
}
