package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/hummingcloud/controlplane/internal/container"
)

// composeProjectLabel is set by docker compose on every container it manages.
const composeProjectLabel = "com.docker.compose.project"

// Engine drives tenant stacks through the Docker daemon. Stack-level
// up/down goes through the compose CLI (the stack is defined by a
// rendered compose file); per-container operations use the SDK.
type Engine struct {
	cli *client.Client
}

var _ container.Engine = (*Engine)(nil)

// New creates an Engine using environment defaults.
func New(host string) (*Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// Ping validates connectivity to the Docker daemon.
func (e *Engine) Ping(ctx context.Context) error {
	if e == nil || e.cli == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if _, err := e.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases resources held by the Docker client.
func (e *Engine) Close() error {
	if e.cli == nil {
		return nil
	}
	return e.cli.Close()
}

// BringUp starts the compose stack rendered in stackDir.
func (e *Engine) BringUp(ctx context.Context, stackDir string) error {
	return runCompose(ctx, stackDir, "up", "-d")
}

// BringDown stops and removes the compose stack in stackDir.
func (e *Engine) BringDown(ctx context.Context, stackDir string) error {
	return runCompose(ctx, stackDir, "down")
}

// Recreate force-recreates the stack so new image references take effect.
func (e *Engine) Recreate(ctx context.Context, stackDir string) error {
	return runCompose(ctx, stackDir, "up", "-d", "--force-recreate")
}

func runCompose(ctx context.Context, stackDir string, args ...string) error {
	if strings.TrimSpace(stackDir) == "" {
		return fmt.Errorf("stack directory cannot be empty")
	}
	cmd := exec.CommandContext(ctx, "docker", append([]string{"compose"}, args...)...)
	cmd.Dir = stackDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("docker compose %s: %s", strings.Join(args, " "), msg)
	}
	return nil
}

// ListContainerStates reports every container in the stack's compose
// project. Compose names projects after the stack directory.
func (e *Engine) ListContainerStates(ctx context.Context, stackDir string) ([]container.ContainerState, error) {
	project := filepath.Base(filepath.Clean(stackDir))
	args := filters.NewArgs(filters.Arg("label", composeProjectLabel+"="+project))
	summaries, err := e.cli.ContainerList(ctx, containertypes.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers for %s: %w", project, err)
	}

	states := make([]container.ContainerState, 0, len(summaries))
	for _, summary := range summaries {
		name := summary.ID
		if len(summary.Names) > 0 {
			name = strings.TrimPrefix(summary.Names[0], "/")
		}
		states = append(states, container.ContainerState{Name: name, State: summary.State})
	}
	return states, nil
}

// PullImage fetches an image reference, draining the daemon's progress stream.
func (e *Engine) PullImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// Exec runs a command inside a named container and captures its output.
func (e *Engine) Exec(ctx context.Context, containerName string, cmd []string, stdin io.Reader) (container.ExecResult, error) {
	if len(cmd) == 0 {
		return container.ExecResult{}, fmt.Errorf("exec command cannot be empty")
	}
	created, err := e.cli.ContainerExecCreate(ctx, containerName, containertypes.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
	})
	if err != nil {
		return container.ExecResult{}, fmt.Errorf("exec create in %s: %w", containerName, err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, containertypes.ExecAttachOptions{})
	if err != nil {
		return container.ExecResult{}, fmt.Errorf("exec attach in %s: %w", containerName, err)
	}
	defer attach.Close()

	if stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, stdin)
			_ = attach.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return container.ExecResult{}, fmt.Errorf("exec read from %s: %w", containerName, err)
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return container.ExecResult{}, fmt.Errorf("exec inspect in %s: %w", containerName, err)
	}

	return container.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Stats samples one container's CPU and memory usage.
func (e *Engine) Stats(ctx context.Context, containerName string) (container.ResourceStats, error) {
	res, err := e.cli.ContainerStats(ctx, containerName, false)
	if err != nil {
		return container.ResourceStats{}, fmt.Errorf("stats for %s: %w", containerName, err)
	}
	defer res.Body.Close()

	var raw containertypes.StatsResponse
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return container.ResourceStats{}, fmt.Errorf("decode stats for %s: %w", containerName, err)
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	var cpuPercent float64
	if systemDelta > 0 && cpuDelta > 0 {
		cpuPercent = cpuDelta / systemDelta * 100.0
	}

	return container.ResourceStats{
		CPUPercent:  cpuPercent,
		MemoryBytes: int64(raw.MemoryStats.Usage),
	}, nil
}
