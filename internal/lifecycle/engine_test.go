// ABOUTME: Tests for the lifecycle engine state machine and supervision
// ABOUTME: Covers transitions, authorization, billing, capacity, and reclamation

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agenthub-control/internal/runtime"
	"github.com/2389/agenthub-control/internal/store"
)

type fakeSessions struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	connectErr  error

	hasSession    bool
	healthy       bool
	lastHeartbeat time.Time
}

func (f *fakeSessions) ConnectAgent(ctx context.Context, agentID, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, agentID+"@"+endpoint)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.hasSession = true
	f.healthy = true
	return nil
}

func (f *fakeSessions) DisconnectAgent(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, agentID)
	f.hasSession = false
}

func (f *fakeSessions) SessionHealth(agentID string) (bool, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy, f.lastHeartbeat, f.hasSession
}

func (f *fakeSessions) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

type testEnv struct {
	engine   *Engine
	store    *store.MockStore
	runtime  *runtime.MockRuntime
	sessions *fakeSessions
	clock    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{
		store:    store.NewMockStore(),
		runtime:  runtime.NewMockRuntime(),
		sessions: &fakeSessions{},
		clock:    &now,
	}
	env.engine = NewEngine(EngineConfig{
		Store:    env.store,
		Runtime:  env.runtime,
		Sessions: env.sessions,
	})
	env.engine.now = func() time.Time { return *env.clock }

	t.Cleanup(func() {
		env.engine.rootCancel()
		env.engine.wg.Wait()
	})
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env *testEnv) registerAgent(t *testing.T, id string, meta store.AgentMetadata) {
	t.Helper()
	err := env.store.RegisterAgent(context.Background(), &store.Agent{
		ID:          id,
		Name:        "Agent " + id,
		Category:    "testing",
		EndpointURL: "http://agents.local/" + id,
		Metadata:    meta,
	})
	require.NoError(t, err)
}

func TestInstantiatePlainAgent(t *testing.T) {
	env := newTestEnv(t)

	// No container image, no control-plane protocol: the instance runs
	// immediately with no runtime or session calls.
	env.registerAgent(t, "agent-1", store.AgentMetadata{})

	id, err := env.engine.InstantiateAgent(context.Background(), "agent-1", "cust-1", nil)
	require.NoError(t, err)

	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, view.Status)
	assert.NotNil(t, view.StartedAt)

	assert.Empty(t, env.runtime.Calls())
	assert.Zero(t, env.sessions.connectCount())
}

func TestInstantiateUnknownAgent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.InstantiateAgent(context.Background(), "missing", "cust-1", nil)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestInstantiateProvisionsContainerAndSession(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{
		Protocol:    store.ProtocolACP,
		DockerImage: "agents/test:latest",
	})

	id, err := env.engine.InstantiateAgent(context.Background(), "agent-1", "cust-1", nil)
	require.NoError(t, err)

	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, view.Status)

	// The provisioned endpoint lands in the instance config and is used
	// for the control-plane connect.
	endpoint, _ := view.Config["endpoint_url"].(string)
	require.NotEmpty(t, endpoint)
	require.Equal(t, 1, env.sessions.connectCount())
	assert.Equal(t, "agent-1@"+endpoint, env.sessions.connects[0])
	assert.True(t, env.runtime.Running("agent-1"))
}

func TestInstantiateConnectFailureTolerated(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.connectErr = errors.New("dial refused")
	env.registerAgent(t, "agent-1", store.AgentMetadata{Protocol: store.ProtocolACP})

	id, err := env.engine.InstantiateAgent(context.Background(), "agent-1", "cust-1", nil)
	require.NoError(t, err)

	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, view.Status)
}

func TestInstantiateProvisionFailureCleansUp(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.StartErr = errors.New("image pull failed")
	env.registerAgent(t, "agent-1", store.AgentMetadata{DockerImage: "agents/test:latest"})

	_, err := env.engine.InstantiateAgent(context.Background(), "agent-1", "cust-1", nil)
	require.ErrorIs(t, err, ErrDependency)

	assert.Empty(t, env.engine.GetCustomerInstances("cust-1"))
}

func TestInstantiateCapacityCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.engine.maxInstancesPerAgent = 2
	env.registerAgent(t, "agent-1", store.AgentMetadata{})

	ctx := context.Background()
	_, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)
	_, err = env.engine.InstantiateAgent(ctx, "agent-1", "cust-2", nil)
	require.NoError(t, err)

	_, err = env.engine.InstantiateAgent(ctx, "agent-1", "cust-3", nil)
	assert.ErrorIs(t, err, ErrNoCapacity)
}

func TestStateTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{
		Protocol:    store.ProtocolACP,
		DockerImage: "agents/test:latest",
	})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	t.Run("pause", func(t *testing.T) {
		require.True(t, env.engine.PauseInstance(ctx, id, "cust-1"))
		view, err := env.engine.GetInstanceDetails(id, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, view.Status)
		assert.NotNil(t, view.PausedAt)
		assert.True(t, env.runtime.Paused("agent-1"))
		assert.Contains(t, env.sessions.disconnects, "agent-1")
	})

	t.Run("pause while paused fails", func(t *testing.T) {
		assert.False(t, env.engine.PauseInstance(ctx, id, "cust-1"))
	})

	t.Run("resume", func(t *testing.T) {
		require.True(t, env.engine.ResumeInstance(ctx, id, "cust-1"))
		view, err := env.engine.GetInstanceDetails(id, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, view.Status)
		assert.Nil(t, view.PausedAt)
		assert.False(t, env.runtime.Paused("agent-1"))
		assert.Equal(t, 2, env.sessions.connectCount())
	})

	t.Run("resume while running fails", func(t *testing.T) {
		assert.False(t, env.engine.ResumeInstance(ctx, id, "cust-1"))
	})

	t.Run("terminate", func(t *testing.T) {
		require.True(t, env.engine.TerminateInstance(ctx, id, "cust-1"))
		view, err := env.engine.GetInstanceDetails(id, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, StatusStopped, view.Status)
		assert.NotNil(t, view.StoppedAt)
		assert.False(t, env.runtime.Running("agent-1"))
	})

	t.Run("terminate while stopped fails", func(t *testing.T) {
		assert.False(t, env.engine.TerminateInstance(ctx, id, "cust-1"))
	})
}

func TestAuthorizationNeverMutates(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-a", nil)
	require.NoError(t, err)

	assert.False(t, env.engine.PauseInstance(ctx, id, "cust-b"))
	assert.False(t, env.engine.ResumeInstance(ctx, id, "cust-b"))
	assert.False(t, env.engine.TerminateInstance(ctx, id, "cust-b"))

	_, err = env.engine.GetInstanceDetails(id, "cust-b")
	assert.ErrorIs(t, err, ErrUnauthorized)

	view, err := env.engine.GetInstanceDetails(id, "cust-a")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, view.Status)
}

func TestOwnershipCheckedBeforeState(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-a", nil)
	require.NoError(t, err)
	require.True(t, env.engine.TerminateInstance(ctx, id, "cust-a"))

	// A non-owner probing a stopped instance sees unauthorized, not a
	// state error.
	_, err = env.engine.GetInstanceDetails(id, "cust-b")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBillingPerMinuteMonotonicAndFrozen(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{
		Pricing: store.Pricing{Type: store.PricingPerMinute, Price: 0.60, Currency: "USD"},
	})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	env.advance(60 * time.Second)
	env.engine.performMaintenance(ctx)
	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.60, view.Billing.TotalCost, 0.001)

	env.advance(60 * time.Second)
	env.engine.performMaintenance(ctx)
	view, err = env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.20, view.Billing.TotalCost, 0.001)

	require.True(t, env.engine.TerminateInstance(ctx, id, "cust-1"))
	frozen, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)

	env.advance(time.Hour)
	env.engine.performMaintenance(ctx)
	after, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, frozen.Billing.TotalCost, after.Billing.TotalCost)
	assert.Equal(t, frozen.Billing.UsageTime, after.Billing.UsageTime)
}

func TestTerminatePausedKeepsCost(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{
		Pricing: store.Pricing{Type: store.PricingPerHour, Price: 3.60, Currency: "USD"},
	})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	env.advance(30 * time.Minute)
	env.engine.performMaintenance(ctx)
	require.True(t, env.engine.PauseInstance(ctx, id, "cust-1"))

	paused, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)

	env.advance(time.Hour)
	require.True(t, env.engine.TerminateInstance(ctx, id, "cust-1"))

	env.advance(5 * time.Second)
	env.engine.performMaintenance(ctx)
	stopped, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
	assert.Equal(t, paused.Billing.TotalCost, stopped.Billing.TotalCost)
}

func TestBillingPerRequest(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{
		Pricing: store.Pricing{Type: store.PricingPerRequest, Price: 0.05, Currency: "USD"},
	})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	env.engine.RecordTaskExecution(id)
	env.engine.RecordTaskExecution(id)
	env.engine.RecordTaskExecution(id)

	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), view.Billing.TaskExecutions)
	assert.InDelta(t, 0.15, view.Billing.TotalCost, 0.001)
}

func TestRetentionReclaim(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{})

	ctx := context.Background()
	oldID, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)
	freshID, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	require.True(t, env.engine.TerminateInstance(ctx, oldID, "cust-1"))
	env.advance(24 * time.Hour)
	require.True(t, env.engine.TerminateInstance(ctx, freshID, "cust-1"))

	// oldID stopped 25h ago, freshID 1h ago.
	env.advance(time.Hour)
	env.engine.performMaintenance(ctx)

	_, err = env.engine.GetInstanceDetails(oldID, "cust-1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = env.engine.GetInstanceDetails(freshID, "cust-1")
	assert.NoError(t, err)
}

func TestDeregisterAgent(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	// Refused while an instance is active.
	assert.False(t, env.engine.DeregisterAgent(ctx, "agent-1"))

	require.True(t, env.engine.TerminateInstance(ctx, id, "cust-1"))
	assert.True(t, env.engine.DeregisterAgent(ctx, "agent-1"))

	agent, err := env.store.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.StageDeregistered, agent.Stage)
}

func TestMaintenanceIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{
		DockerImage: "agents/a:latest",
		Pricing:     store.Pricing{Type: store.PricingPerMinute, Price: 1, Currency: "USD"},
	})
	env.registerAgent(t, "agent-2", store.AgentMetadata{
		Pricing: store.Pricing{Type: store.PricingPerMinute, Price: 1, Currency: "USD"},
	})

	ctx := context.Background()
	_, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)
	healthyID, err := env.engine.InstantiateAgent(ctx, "agent-2", "cust-1", nil)
	require.NoError(t, err)

	// Stats failures for agent-1 must not stop agent-2's billing pass.
	env.runtime.StatsErr = errors.New("stats endpoint down")
	env.advance(60 * time.Second)
	env.engine.performMaintenance(ctx)

	view, err := env.engine.GetInstanceDetails(healthyID, "cust-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, view.Billing.TotalCost, 0.001)
}

func TestMaintenanceRefreshesUsageAndHealth(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{
		Protocol:    store.ProtocolACP,
		DockerImage: "agents/test:latest",
	})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	env.runtime.SetStats("agent-1", runtime.ContainerStats{CPUPercent: 42.5, MemoryPercent: 17.0})
	env.sessions.mu.Lock()
	env.sessions.lastHeartbeat = *env.clock
	env.sessions.mu.Unlock()

	env.advance(90 * time.Second)
	env.engine.performMaintenance(ctx)

	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.InDelta(t, 42.5, view.Usage.CPUPercent, 0.001)
	assert.InDelta(t, 17.0, view.Usage.MemoryPercent, 0.001)
	assert.InDelta(t, 90.0, view.Usage.Uptime, 0.001)
	assert.True(t, view.Health.Healthy)
	assert.False(t, view.Health.LastHeartbeat.IsZero())
}

func TestHealthDegradesWithoutSession(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.connectErr = errors.New("dial refused")
	env.registerAgent(t, "agent-1", store.AgentMetadata{Protocol: store.ProtocolACP})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	env.engine.performMaintenance(ctx)
	env.engine.performMaintenance(ctx)

	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.False(t, view.Health.Healthy)
	assert.Equal(t, 2, view.Health.ErrorCount)
}

func TestDiscoverAgentsAnnotations(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{
		Capabilities: []string{"translate"},
		Pricing:      store.Pricing{Type: store.PricingPerRequest, Price: 0.05, Currency: "USD"},
	})

	ctx := context.Background()
	_, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)
	_, err = env.engine.InstantiateAgent(ctx, "agent-1", "cust-2", nil)
	require.NoError(t, err)

	listings, err := env.engine.DiscoverAgents(ctx, "cust-1", store.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, listings, 1)

	l := listings[0]
	assert.Equal(t, "agent-1", l.ID)
	assert.Equal(t, 2, l.TotalInstances)
	assert.Equal(t, 1, l.YourInstances)
	assert.Equal(t, 8, l.Available)
	assert.Equal(t, 0.05, l.Price)
}

func TestShutdownTerminatesRunning(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{DockerImage: "agents/test:latest"})

	ctx := context.Background()
	env.engine.Start()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	env.engine.Shutdown(ctx)

	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, view.Status)
	assert.False(t, env.runtime.Running("agent-1"))
}

func TestPauseYieldsToConcurrentTerminate(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{DockerImage: "agents/test:latest"})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	env.runtime.PauseHook = func() {
		close(entered)
		<-release
	}

	done := make(chan bool, 1)
	go func() { done <- env.engine.PauseInstance(ctx, id, "cust-1") }()

	// Terminate completes while the pause is blocked in runtime I/O; the
	// pause must not revive the stopped instance.
	<-entered
	require.True(t, env.engine.TerminateInstance(ctx, id, "cust-1"))
	close(release)

	assert.False(t, <-done)
	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, view.Status)

	// The terminated instance no longer counts as active.
	assert.True(t, env.engine.DeregisterAgent(ctx, "agent-1"))
}

func TestResumeYieldsToConcurrentTerminate(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "agent-1", store.AgentMetadata{DockerImage: "agents/test:latest"})

	ctx := context.Background()
	id, err := env.engine.InstantiateAgent(ctx, "agent-1", "cust-1", nil)
	require.NoError(t, err)
	require.True(t, env.engine.PauseInstance(ctx, id, "cust-1"))

	entered := make(chan struct{})
	release := make(chan struct{})
	env.runtime.UnpauseHook = func() {
		close(entered)
		<-release
	}

	done := make(chan bool, 1)
	go func() { done <- env.engine.ResumeInstance(ctx, id, "cust-1") }()

	<-entered
	require.True(t, env.engine.TerminateInstance(ctx, id, "cust-1"))
	close(release)

	assert.False(t, <-done)
	view, err := env.engine.GetInstanceDetails(id, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, view.Status)

	// No supervisory task was restarted for the stopped instance.
	env.engine.mu.Lock()
	_, monitored := env.engine.monitors[id]
	env.engine.mu.Unlock()
	assert.False(t, monitored)
}
