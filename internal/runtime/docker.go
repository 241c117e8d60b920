package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerExecutor runs commands in agent containers through the Docker
// Engine API. Containers are found by their crewnet labels.
type DockerExecutor struct {
	client *client.Client
}

// NewDockerExecutor creates a DockerExecutor using the default Docker client from env.
func NewDockerExecutor() (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerExecutor{client: cli}, nil
}

// agentFilters selects the running container of one agent.
func agentFilters(teamID, agentID string) filters.Args {
	return filters.NewArgs(
		filters.Arg("label", LabelTeam+"="+teamID),
		filters.Arg("label", LabelAgent+"="+agentID),
		filters.Arg("status", "running"),
	)
}

func (d *DockerExecutor) containerID(ctx context.Context, teamID, agentID string) (string, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{Filters: agentFilters(teamID, agentID)})
	if err != nil {
		return "", fmt.Errorf("listing containers: %w", err)
	}
	if len(containers) == 0 {
		return "", ErrNoContainer
	}
	if len(containers) > 1 {
		slog.Warn("several containers match agent, using the first", "team", teamID, "agent", agentID, "count", len(containers))
	}
	return containers[0].ID, nil
}

// Exec runs cmd in the agent's container and waits for it to exit.
func (d *DockerExecutor) Exec(ctx context.Context, teamID, agentID string, cmd []string, stdin io.Reader) ([]byte, error) {
	id, err := d.containerID(ctx, teamID, agentID)
	if err != nil {
		return nil, err
	}

	created, err := d.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", id, err)
	}

	attached, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec %s: %w", created.ID, err)
	}
	defer attached.Close()

	if stdin != nil {
		if _, err := io.Copy(attached.Conn, stdin); err != nil {
			return nil, fmt.Errorf("writing exec stdin: %w", err)
		}
		if err := attached.CloseWrite(); err != nil {
			return nil, fmt.Errorf("closing exec stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec %s: %w", created.ID, err)
	}
	if inspect.ExitCode != 0 {
		return nil, &ExitError{Code: inspect.ExitCode, Stderr: strings.TrimSpace(stderr.String())}
	}
	return stdout.Bytes(), nil
}
