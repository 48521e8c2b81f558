package container

import (
	"context"
	"io"
)

// ContainerState is one container's name and runtime state within a stack.
type ContainerState struct {
	Name  string
	State string
}

// Running reports whether the container is in the running state.
func (s ContainerState) Running() bool {
	return s.State == "running"
}

// ExecResult carries the outcome of a command executed inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ResourceStats is a point-in-time resource sample for one container.
type ResourceStats struct {
	CPUPercent  float64
	MemoryBytes int64
}

// Engine is the container-control boundary the control plane drives.
// A non-zero exit or transport failure is a hard error for that call.
type Engine interface {
	// BringUp starts the stack rendered in stackDir, creating containers
	// as needed.
	BringUp(ctx context.Context, stackDir string) error
	// BringDown stops and removes the stack's containers.
	BringDown(ctx context.Context, stackDir string) error
	// Recreate force-recreates the stack's containers, picking up new
	// image references.
	Recreate(ctx context.Context, stackDir string) error
	// ListContainerStates reports the state of every container belonging
	// to the stack in stackDir.
	ListContainerStates(ctx context.Context, stackDir string) ([]ContainerState, error)
	// PullImage fetches an image reference onto the host.
	PullImage(ctx context.Context, ref string) error
	// Exec runs a command inside a named container, optionally feeding
	// stdin, and captures output.
	Exec(ctx context.Context, containerName string, cmd []string, stdin io.Reader) (ExecResult, error)
	// Stats samples CPU and memory usage for a named container.
	Stats(ctx context.Context, containerName string) (ResourceStats, error)
}
