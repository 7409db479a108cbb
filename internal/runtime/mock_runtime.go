// ABOUTME: Mock Runtime implementation for testing and the development server mode.
// ABOUTME: Tracks containers in memory and supports error injection and call recording.

package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockRuntime is an in-memory Runtime implementation. It assigns synthetic
// endpoints to started containers and records every call so tests can
// assert on runtime interactions.
type MockRuntime struct {
	mu         sync.Mutex
	images     map[string]string         // agentID -> image
	containers map[string]*ContainerInfo // agentID -> container
	paused     map[string]bool
	stats      map[string]*ContainerStats
	calls      []string
	nextPort   int

	// Error injection: when set, the corresponding call fails.
	RegisterErr error
	StartErr    error
	StopErr     error
	PauseErr    error
	UnpauseErr  error
	StatsErr    error

	// Call hooks: when set, invoked before the operation takes effect.
	// Must be assigned before any concurrent use of the runtime.
	PauseHook   func()
	UnpauseHook func()
}

// NewMockRuntime creates an empty mock runtime.
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		images:     make(map[string]string),
		containers: make(map[string]*ContainerInfo),
		paused:     make(map[string]bool),
		stats:      make(map[string]*ContainerStats),
		nextPort:   8001,
	}
}

// RegisterImage records the image for an agent.
func (m *MockRuntime) RegisterImage(ctx context.Context, agentID, image string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("RegisterImage", agentID)
	if m.RegisterErr != nil {
		return m.RegisterErr
	}
	m.images[agentID] = image
	return nil
}

// StartContainer provisions a synthetic container with a localhost endpoint.
func (m *MockRuntime) StartContainer(ctx context.Context, agentID, image string) (*ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("StartContainer", agentID)
	if m.StartErr != nil {
		return nil, m.StartErr
	}

	info := &ContainerInfo{
		ContainerID: fmt.Sprintf("mock-%s-%d", agentID, m.nextPort),
		AgentID:     agentID,
		Image:       image,
		EndpointURL: fmt.Sprintf("http://localhost:%d", m.nextPort),
		Status:      "running",
		StartedAt:   time.Now(),
	}
	m.nextPort++
	m.containers[agentID] = info

	result := *info
	return &result, nil
}

// StopContainer removes the agent's container.
func (m *MockRuntime) StopContainer(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("StopContainer", agentID)
	if m.StopErr != nil {
		return m.StopErr
	}
	if _, ok := m.containers[agentID]; !ok {
		return ErrContainerNotFound
	}
	delete(m.containers, agentID)
	delete(m.paused, agentID)
	return nil
}

// PauseContainer suspends the agent's container.
func (m *MockRuntime) PauseContainer(ctx context.Context, agentID string) error {
	if m.PauseHook != nil {
		m.PauseHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("PauseContainer", agentID)
	if m.PauseErr != nil {
		return m.PauseErr
	}
	if _, ok := m.containers[agentID]; !ok {
		return ErrContainerNotFound
	}
	m.paused[agentID] = true
	return nil
}

// UnpauseContainer resumes the agent's container.
func (m *MockRuntime) UnpauseContainer(ctx context.Context, agentID string) error {
	if m.UnpauseHook != nil {
		m.UnpauseHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("UnpauseContainer", agentID)
	if m.UnpauseErr != nil {
		return m.UnpauseErr
	}
	if _, ok := m.containers[agentID]; !ok {
		return ErrContainerNotFound
	}
	delete(m.paused, agentID)
	return nil
}

// ContainerStats returns configured stats, or zeroes if none were set.
func (m *MockRuntime) ContainerStats(ctx context.Context, agentID string) (*ContainerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("ContainerStats", agentID)
	if m.StatsErr != nil {
		return nil, m.StatsErr
	}
	if _, ok := m.containers[agentID]; !ok {
		return nil, ErrContainerNotFound
	}
	if stats, ok := m.stats[agentID]; ok {
		result := *stats
		return &result, nil
	}
	return &ContainerStats{}, nil
}

// ContainerLogs returns a canned log line.
func (m *MockRuntime) ContainerLogs(ctx context.Context, agentID string, tail int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("ContainerLogs", agentID)
	if _, ok := m.containers[agentID]; !ok {
		return "", ErrContainerNotFound
	}
	return fmt.Sprintf("mock logs for %s (tail %d)\n", agentID, tail), nil
}

// CleanupStopped is a no-op for the mock; it only records the call.
func (m *MockRuntime) CleanupStopped(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record("CleanupStopped", "")
	return nil
}

// SetStats configures the stats returned for an agent's container.
func (m *MockRuntime) SetStats(agentID string, stats ContainerStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[agentID] = &stats
}

// Running reports whether a container exists and is not paused.
func (m *MockRuntime) Running(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.containers[agentID]
	return ok && !m.paused[agentID]
}

// Paused reports whether the agent's container is paused.
func (m *MockRuntime) Paused(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[agentID]
}

// Calls returns the recorded call log as "Method:agentID" entries.
func (m *MockRuntime) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.calls))
	copy(result, m.calls)
	return result
}

func (m *MockRuntime) record(method, agentID string) {
	m.calls = append(m.calls, method+":"+agentID)
}

// Ensure MockRuntime implements the Runtime interface.
var _ Runtime = (*MockRuntime)(nil)
