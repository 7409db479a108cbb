// ABOUTME: Container runtime adapter contract for provisioning agent compute.
// ABOUTME: Defines the Runtime interface and the container info/stats types.

package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrContainerNotFound is returned when no container exists for the agent.
var ErrContainerNotFound = errors.New("container not found")

// ContainerInfo describes a provisioned agent container.
type ContainerInfo struct {
	ContainerID string
	AgentID     string
	Image       string
	EndpointURL string
	Status      string
	StartedAt   time.Time
}

// ContainerStats is a parsed point-in-time resource reading for a container.
type ContainerStats struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Runtime is the contract the lifecycle engine uses to provision and
// supervise agent compute. Implementations wrap an existing container
// runtime API; the engine treats them as opaque I/O.
type Runtime interface {
	// RegisterImage pulls and validates an image ahead of instantiation.
	RegisterImage(ctx context.Context, agentID, image string) error

	// StartContainer provisions compute for an agent and returns the
	// container info including the endpoint it serves on.
	StartContainer(ctx context.Context, agentID, image string) (*ContainerInfo, error)

	// StopContainer stops and removes the agent's container.
	StopContainer(ctx context.Context, agentID string) error

	// PauseContainer suspends the agent's container without teardown.
	PauseContainer(ctx context.Context, agentID string) error

	// UnpauseContainer resumes a paused container.
	UnpauseContainer(ctx context.Context, agentID string) error

	// ContainerStats returns parsed CPU and memory percentages.
	ContainerStats(ctx context.Context, agentID string) (*ContainerStats, error)

	// ContainerLogs returns the last tail lines of container output.
	ContainerLogs(ctx context.Context, agentID string, tail int) (string, error)

	// CleanupStopped removes containers that are no longer running.
	CleanupStopped(ctx context.Context) error
}
