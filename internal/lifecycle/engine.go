// ABOUTME: Instance lifecycle engine driving the per-instance state machine
// ABOUTME: Owns supervision loops, billing, capacity, and ownership authorization

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agenthub-control/internal/runtime"
	"github.com/2389/agenthub-control/internal/store"
)

// Engine errors
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrUnauthorized     = errors.New("not authorized for instance")
	ErrInvalidState     = errors.New("operation invalid for instance state")
	ErrNoCapacity       = errors.New("agent has no available capacity")
	ErrDependency       = errors.New("dependency failure")
)

// endpointConfigKey is where a provisioned container's endpoint lands in
// the instance config.
const endpointConfigKey = "endpoint_url"

// Sessions is the control-plane surface the engine needs. Implemented by
// the acp connection manager.
type Sessions interface {
	ConnectAgent(ctx context.Context, agentID, endpoint string) error
	DisconnectAgent(agentID string)
	SessionHealth(agentID string) (healthy bool, lastHeartbeat time.Time, ok bool)
}

// EngineConfig configures the lifecycle engine. Zero intervals fall back
// to the defaults.
type EngineConfig struct {
	Store    store.Store
	Runtime  runtime.Runtime
	Sessions Sessions
	Logger   *slog.Logger

	MaintenanceInterval  time.Duration
	MonitorInterval      time.Duration
	RetentionWindow      time.Duration
	MaxInstancesPerAgent int
}

// Engine is the single authoritative owner of all customer instances.
// The instance table and customer index are mutated only under e.mu;
// runtime and session I/O happens outside the lock.
type Engine struct {
	store    store.Store
	runtime  runtime.Runtime
	sessions Sessions
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	customers map[string]map[string]struct{} // customer_id -> set of instance ids
	monitors  map[string]context.CancelFunc

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	now func() time.Time

	maintenanceInterval  time.Duration
	monitorInterval      time.Duration
	retentionWindow      time.Duration
	maxInstancesPerAgent int
}

// NewEngine creates a lifecycle engine. Call Start to begin maintenance.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaintenanceInterval == 0 {
		cfg.MaintenanceInterval = 60 * time.Second
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.RetentionWindow == 0 {
		cfg.RetentionWindow = 24 * time.Hour
	}
	if cfg.MaxInstancesPerAgent == 0 {
		cfg.MaxInstancesPerAgent = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:                cfg.Store,
		runtime:              cfg.Runtime,
		sessions:             cfg.Sessions,
		logger:               cfg.Logger.With("component", "lifecycle"),
		instances:            make(map[string]*Instance),
		customers:            make(map[string]map[string]struct{}),
		monitors:             make(map[string]context.CancelFunc),
		rootCtx:              ctx,
		rootCancel:           cancel,
		now:                  time.Now,
		maintenanceInterval:  cfg.MaintenanceInterval,
		monitorInterval:      cfg.MonitorInterval,
		retentionWindow:      cfg.RetentionWindow,
		maxInstancesPerAgent: cfg.MaxInstancesPerAgent,
	}
}

// Start launches the maintenance loop. It runs until Shutdown.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.maintenanceLoop(e.rootCtx)
	e.logger.Info("lifecycle engine started",
		"maintenance_interval", e.maintenanceInterval,
		"monitor_interval", e.monitorInterval,
	)
}

// Shutdown cancels all background loops, waits for them to drain, then
// terminates every still-active instance.
func (e *Engine) Shutdown(ctx context.Context) {
	e.rootCancel()
	e.wg.Wait()

	e.mu.Lock()
	var active []*Instance
	for _, inst := range e.instances {
		if inst.Status.Active() {
			active = append(active, inst)
		}
	}
	e.mu.Unlock()

	for _, inst := range active {
		if err := e.terminate(ctx, inst.ID, inst.CustomerID); err != nil {
			e.logger.Warn("shutdown terminate failed", "instance_id", inst.ID, "error", err)
		}
	}
	e.logger.Info("lifecycle engine stopped", "terminated", len(active))
}

// RegisterAgent persists the agent listing and, when a container image is
// declared, registers it with the runtime. Errors propagate to the caller;
// a runtime failure after the store write is caller-visible and there is
// no automatic rollback.
func (e *Engine) RegisterAgent(ctx context.Context, agent *store.Agent) error {
	if err := e.store.RegisterAgent(ctx, agent); err != nil {
		return fmt.Errorf("registering agent: %w", err)
	}
	if agent.Metadata.DockerImage != "" {
		if err := e.runtime.RegisterImage(ctx, agent.ID, agent.Metadata.DockerImage); err != nil {
			return fmt.Errorf("%w: registering image: %v", ErrDependency, err)
		}
	}
	e.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name)
	return nil
}

// DiscoverAgents queries the store and annotates each listing with
// availability, the caller's instance count, and performance metrics.
func (e *Engine) DiscoverAgents(ctx context.Context, customerID string, filter store.SearchFilter) ([]AgentListing, error) {
	agents, err := e.store.SearchAgents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: searching agents: %v", ErrDependency, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	listings := make([]AgentListing, 0, len(agents))
	for _, agent := range agents {
		total, yours := e.countInstancesLocked(agent.ID, customerID)
		available := e.maxInstancesPerAgent - total
		if available < 0 {
			available = 0
		}
		listings = append(listings, AgentListing{
			ID:             agent.ID,
			Name:           agent.Name,
			Description:    agent.Description,
			Category:       agent.Category,
			Capabilities:   agent.Metadata.Capabilities,
			PricingType:    agent.Metadata.Pricing.Type,
			Price:          agent.Metadata.Pricing.Price,
			Currency:       agent.Metadata.Pricing.Currency,
			Available:      available,
			YourInstances:  yours,
			TotalInstances: total,
			TotalTasks:     agent.TotalTasks,
			SuccessRate:    agent.SuccessRate(),
			AvgExecTime:    agent.AvgExecTime(),
		})
	}
	return listings, nil
}

// InstantiateAgent creates a new instance for the customer and drives it
// to RUNNING. Provisioning failures fully remove the instance and
// propagate; a failed control-plane connect is logged but not fatal.
func (e *Engine) InstantiateAgent(ctx context.Context, agentID, customerID string, config map[string]any) (string, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return "", fmt.Errorf("%w: loading agent: %v", ErrDependency, err)
	}
	if agent.Stage != store.StageRegistered {
		return "", fmt.Errorf("%w: agent %s is %s", ErrInvalidState, agentID, agent.Stage)
	}

	if config == nil {
		config = make(map[string]any)
	}

	inst := &Instance{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		CustomerID: customerID,
		Config:     config,
		Status:     StatusStarting,
		CreatedAt:  e.now(),
		Health:     HealthStatus{Healthy: true},
		Pricing:    agent.Metadata.Pricing,
		Protocol:   agent.Metadata.Protocol,
		HasImage:   agent.Metadata.DockerImage != "",
	}

	e.mu.Lock()
	total, _ := e.countInstancesLocked(agentID, customerID)
	if total >= e.maxInstancesPerAgent {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: agent %s at %d instances", ErrNoCapacity, agentID, total)
	}
	e.insertLocked(inst)
	e.mu.Unlock()

	if inst.HasImage {
		info, err := e.runtime.StartContainer(ctx, agentID, agent.Metadata.DockerImage)
		if err != nil {
			e.removeInstance(inst.ID)
			return "", fmt.Errorf("%w: starting container: %v", ErrDependency, err)
		}
		e.mu.Lock()
		inst.Config[endpointConfigKey] = info.EndpointURL
		e.mu.Unlock()
	}

	if inst.Protocol == store.ProtocolACP {
		e.mu.Lock()
		if _, ok := inst.Config[endpointConfigKey]; !ok && agent.EndpointURL != "" {
			inst.Config[endpointConfigKey] = agent.EndpointURL
		}
		e.mu.Unlock()

		endpoint := e.sessionEndpoint(inst)
		if endpoint == "" {
			e.logger.Warn("no endpoint for control-plane connect", "instance_id", inst.ID, "agent_id", agentID)
		} else if err := e.sessions.ConnectAgent(ctx, agentID, endpoint); err != nil {
			// Instance still becomes RUNNING; task routing fails until a
			// session exists and is retried on first use.
			e.logger.Warn("control-plane connect failed",
				"instance_id", inst.ID, "agent_id", agentID, "error", err)
		}
	}

	e.mu.Lock()
	inst.StartedAt = e.now()
	inst.Status = StatusRunning
	e.startMonitorLocked(inst.ID)
	e.mu.Unlock()

	e.logger.Info("instance started",
		"instance_id", inst.ID, "agent_id", agentID, "customer_id", customerID)
	return inst.ID, nil
}

// PauseInstance suspends a RUNNING instance's compute and control-plane
// session. Internal failures are logged and reported as false.
func (e *Engine) PauseInstance(ctx context.Context, instanceID, customerID string) bool {
	if err := e.pause(ctx, instanceID, customerID); err != nil {
		e.logger.Warn("pause failed", "instance_id", instanceID, "error", err)
		return false
	}
	e.logger.Info("instance paused", "instance_id", instanceID)
	return true
}

func (e *Engine) pause(ctx context.Context, instanceID, customerID string) error {
	e.mu.Lock()
	inst, err := e.authorizeLocked(instanceID, customerID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if inst.Status != StatusRunning {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s instance", ErrInvalidState, inst.Status)
	}
	agentID := inst.AgentID
	hasImage := inst.HasImage
	e.mu.Unlock()

	if hasImage {
		if err := e.runtime.PauseContainer(ctx, agentID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return fmt.Errorf("%w: pausing compute: %v", ErrDependency, err)
		}
	}
	e.sessions.DisconnectAgent(agentID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instances[instanceID]; !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	// Another transition may have won while the lock was released for I/O.
	if inst.Status != StatusRunning {
		return fmt.Errorf("%w: instance became %s during pause", ErrInvalidState, inst.Status)
	}
	inst.Status = StatusPaused
	inst.PausedAt = e.now()
	e.cancelMonitorLocked(instanceID)
	return nil
}

// ResumeInstance brings a PAUSED instance back to RUNNING, reconnecting
// the control-plane session when the agent speaks the protocol.
func (e *Engine) ResumeInstance(ctx context.Context, instanceID, customerID string) bool {
	if err := e.resume(ctx, instanceID, customerID); err != nil {
		e.logger.Warn("resume failed", "instance_id", instanceID, "error", err)
		return false
	}
	e.logger.Info("instance resumed", "instance_id", instanceID)
	return true
}

func (e *Engine) resume(ctx context.Context, instanceID, customerID string) error {
	e.mu.Lock()
	inst, err := e.authorizeLocked(instanceID, customerID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if inst.Status != StatusPaused {
		e.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s instance", ErrInvalidState, inst.Status)
	}
	agentID := inst.AgentID
	hasImage := inst.HasImage
	protocol := inst.Protocol
	e.mu.Unlock()

	if hasImage {
		if err := e.runtime.UnpauseContainer(ctx, agentID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return fmt.Errorf("%w: unpausing compute: %v", ErrDependency, err)
		}
	}
	if protocol == store.ProtocolACP {
		if endpoint := e.sessionEndpoint(inst); endpoint != "" {
			if err := e.sessions.ConnectAgent(ctx, agentID, endpoint); err != nil {
				e.logger.Warn("control-plane reconnect failed",
					"instance_id", instanceID, "agent_id", agentID, "error", err)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instances[instanceID]; !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	// Another transition may have won while the lock was released for I/O.
	if inst.Status != StatusPaused {
		return fmt.Errorf("%w: instance became %s during resume", ErrInvalidState, inst.Status)
	}
	inst.Status = StatusRunning
	inst.PausedAt = time.Time{}
	e.startMonitorLocked(instanceID)
	return nil
}

// TerminateInstance drives an instance to STOPPED. A compute stop failure
// is logged but never blocks the transition; billing is finalized once.
func (e *Engine) TerminateInstance(ctx context.Context, instanceID, customerID string) bool {
	if err := e.terminate(ctx, instanceID, customerID); err != nil {
		e.logger.Warn("terminate failed", "instance_id", instanceID, "error", err)
		return false
	}
	e.logger.Info("instance terminated", "instance_id", instanceID)
	return true
}

func (e *Engine) terminate(ctx context.Context, instanceID, customerID string) error {
	e.mu.Lock()
	inst, err := e.authorizeLocked(instanceID, customerID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if inst.Status == StatusStopped || inst.Status == StatusStopping {
		e.mu.Unlock()
		return fmt.Errorf("%w: instance already %s", ErrInvalidState, inst.Status)
	}
	wasRunning := inst.Status == StatusRunning
	inst.Status = StatusStopping
	agentID := inst.AgentID
	hasImage := inst.HasImage
	e.cancelMonitorLocked(instanceID)
	e.mu.Unlock()

	e.sessions.DisconnectAgent(agentID)
	if hasImage {
		if err := e.runtime.StopContainer(ctx, agentID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			// Compute teardown failure never blocks the transition.
			e.logger.Warn("stopping compute failed", "instance_id", instanceID, "error", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	inst.Status = StatusStopped
	inst.StoppedAt = e.now()
	if wasRunning {
		inst.Billing.UsageTime = inst.StoppedAt.Sub(inst.StartedAt).Seconds()
	}
	e.computeCostLocked(inst)
	return nil
}

// DeregisterAgent retires an agent listing. Fails while any instance of
// the agent is still active.
func (e *Engine) DeregisterAgent(ctx context.Context, agentID string) bool {
	e.mu.Lock()
	for _, inst := range e.instances {
		if inst.AgentID == agentID && inst.Status.Active() {
			e.mu.Unlock()
			e.logger.Warn("deregister refused, active instance exists",
				"agent_id", agentID, "instance_id", inst.ID)
			return false
		}
	}
	e.mu.Unlock()

	if err := e.runtime.CleanupStopped(ctx); err != nil {
		e.logger.Warn("runtime cleanup failed", "agent_id", agentID, "error", err)
	}
	if err := e.store.SetAgentStage(ctx, agentID, store.StageDeregistered); err != nil {
		e.logger.Warn("deregister failed", "agent_id", agentID, "error", err)
		return false
	}
	e.logger.Info("agent deregistered", "agent_id", agentID)
	return true
}

// GetCustomerInstances returns snapshots of the customer's instances,
// oldest first.
func (e *Engine) GetCustomerInstances(customerID string) []InstanceView {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids, ok := e.customers[customerID]
	if !ok {
		return nil
	}
	views := make([]InstanceView, 0, len(ids))
	for id := range ids {
		if inst, ok := e.instances[id]; ok {
			views = append(views, inst.Snapshot())
		}
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// GetInstanceDetails returns a snapshot of one instance. Ownership is
// checked before any state-dependent logic.
func (e *Engine) GetInstanceDetails(instanceID, customerID string) (*InstanceView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.authorizeLocked(instanceID, customerID)
	if err != nil {
		return nil, err
	}
	view := inst.Snapshot()
	return &view, nil
}

// RecordTaskExecution counts one completed task against the instance for
// billing and usage tracking.
func (e *Engine) RecordTaskExecution(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[instanceID]
	if !ok {
		return
	}
	inst.Billing.TaskExecutions++
	inst.Usage.TaskCount++
	e.updateBillingLocked(inst)
}

// InstanceForTask resolves the instance a customer task should run on and
// returns routing info. Ownership and RUNNING state are both required.
func (e *Engine) InstanceForTask(instanceID, customerID string) (agentID, endpoint string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, err := e.authorizeLocked(instanceID, customerID)
	if err != nil {
		return "", "", err
	}
	if inst.Status != StatusRunning {
		return "", "", fmt.Errorf("%w: instance is %s", ErrInvalidState, inst.Status)
	}
	endpoint, _ = inst.Config[endpointConfigKey].(string)
	return inst.AgentID, endpoint, nil
}

// maintenanceLoop runs for the engine's lifetime. Each pass refreshes
// usage and health, reclaims old stopped instances, and recomputes
// billing. A failing instance never aborts the pass.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.performMaintenance(ctx)
		}
	}
}

func (e *Engine) performMaintenance(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.maintainInstance(ctx, id)
	}
}

// maintainInstance runs one maintenance pass for one instance. Sub-steps
// are isolated: a stats failure still lets health and billing run.
func (e *Engine) maintainInstance(ctx context.Context, instanceID string) {
	e.mu.Lock()
	inst, ok := e.instances[instanceID]
	if !ok {
		e.mu.Unlock()
		return
	}

	// Reclaim stopped instances past the retention window.
	if inst.Status == StatusStopped && !inst.StoppedAt.IsZero() &&
		e.now().Sub(inst.StoppedAt) > e.retentionWindow {
		e.deleteLocked(inst)
		e.cancelMonitorLocked(instanceID)
		e.mu.Unlock()
		e.logger.Info("instance reclaimed", "instance_id", instanceID, "agent_id", inst.AgentID)
		return
	}

	status := inst.Status
	agentID := inst.AgentID
	hasImage := inst.HasImage
	protocol := inst.Protocol
	e.mu.Unlock()

	if status == StatusRunning {
		e.refreshUsage(ctx, instanceID, agentID, hasImage)
		e.refreshHealth(instanceID, agentID, protocol)
	}

	e.mu.Lock()
	if inst, ok := e.instances[instanceID]; ok {
		e.updateBillingLocked(inst)
	}
	e.mu.Unlock()
}

func (e *Engine) refreshUsage(ctx context.Context, instanceID, agentID string, hasImage bool) {
	var cpu, mem float64
	if hasImage {
		stats, err := e.runtime.ContainerStats(ctx, agentID)
		if err != nil {
			// Unavailable stats read as zero rather than stale.
			e.logger.Debug("stats unavailable", "instance_id", instanceID, "error", err)
		} else {
			cpu, mem = stats.CPUPercent, stats.MemoryPercent
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return
	}
	inst.Usage.CPUPercent = cpu
	inst.Usage.MemoryPercent = mem
	if !inst.StartedAt.IsZero() {
		inst.Usage.Uptime = e.now().Sub(inst.StartedAt).Seconds()
	}
	inst.Usage.TaskCount = inst.Billing.TaskExecutions
	inst.Usage.LastUpdated = e.now()
}

func (e *Engine) refreshHealth(instanceID, agentID, protocol string) {
	if protocol != store.ProtocolACP {
		return
	}
	healthy, lastHeartbeat, ok := e.sessions.SessionHealth(agentID)

	e.mu.Lock()
	defer e.mu.Unlock()
	inst, exists := e.instances[instanceID]
	if !exists {
		return
	}
	if !ok {
		inst.Health.Healthy = false
		inst.Health.ErrorCount++
		inst.Health.LastError = "no control-plane session"
		return
	}
	inst.Health.Healthy = healthy
	inst.Health.LastHeartbeat = lastHeartbeat
	if !healthy {
		inst.Health.ErrorCount++
		inst.Health.LastError = "heartbeat stale"
	}
}

// monitorInstance is the per-instance supervisory task. It repeats the
// maintenance sub-steps while the instance stays RUNNING; a failing
// iteration is logged inside the sub-steps and retried on the next tick.
func (e *Engine) monitorInstance(ctx context.Context, instanceID string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			inst, ok := e.instances[instanceID]
			if !ok || inst.Status != StatusRunning {
				e.mu.Unlock()
				return
			}
			agentID := inst.AgentID
			hasImage := inst.HasImage
			protocol := inst.Protocol
			e.mu.Unlock()

			e.refreshUsage(ctx, instanceID, agentID, hasImage)
			e.refreshHealth(instanceID, agentID, protocol)

			e.mu.Lock()
			if inst, ok := e.instances[instanceID]; ok {
				e.updateBillingLocked(inst)
			}
			e.mu.Unlock()
		}
	}
}

// updateBillingLocked recomputes billing for one instance. While RUNNING,
// usage time tracks wall clock since start; once STOPPED nothing accrues.
func (e *Engine) updateBillingLocked(inst *Instance) {
	switch inst.Status {
	case StatusStopped, StatusStopping:
		return
	case StatusRunning:
		if !inst.StartedAt.IsZero() {
			inst.Billing.UsageTime = e.now().Sub(inst.StartedAt).Seconds()
		}
	}
	e.computeCostLocked(inst)
}

func (e *Engine) computeCostLocked(inst *Instance) {
	switch inst.Pricing.Type {
	case store.PricingPerMinute:
		inst.Billing.TotalCost = inst.Pricing.Price * inst.Billing.UsageTime / 60
	case store.PricingPerHour:
		inst.Billing.TotalCost = inst.Pricing.Price * inst.Billing.UsageTime / 3600
	default:
		inst.Billing.TotalCost = inst.Pricing.Price * float64(inst.Billing.TaskExecutions)
	}
}

// authorizeLocked resolves an instance and checks ownership. The ownership
// check always runs before any state-dependent check.
func (e *Engine) authorizeLocked(instanceID, customerID string) (*Instance, error) {
	inst, ok := e.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if inst.CustomerID != customerID {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, instanceID)
	}
	return inst, nil
}

// insertLocked registers the instance in the table and customer index in
// one critical section; the two never diverge.
func (e *Engine) insertLocked(inst *Instance) {
	e.instances[inst.ID] = inst
	set, ok := e.customers[inst.CustomerID]
	if !ok {
		set = make(map[string]struct{})
		e.customers[inst.CustomerID] = set
	}
	set[inst.ID] = struct{}{}
}

func (e *Engine) deleteLocked(inst *Instance) {
	delete(e.instances, inst.ID)
	if set, ok := e.customers[inst.CustomerID]; ok {
		delete(set, inst.ID)
		if len(set) == 0 {
			delete(e.customers, inst.CustomerID)
		}
	}
}

// removeInstance fully removes an instance from both indexes and cancels
// any supervisory task. Used for provisioning-failure cleanup.
func (e *Engine) removeInstance(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[instanceID]
	if !ok {
		return
	}
	e.deleteLocked(inst)
	e.cancelMonitorLocked(instanceID)
}

func (e *Engine) startMonitorLocked(instanceID string) {
	if _, ok := e.monitors[instanceID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(e.rootCtx)
	e.monitors[instanceID] = cancel
	e.wg.Add(1)
	go e.monitorInstance(ctx, instanceID)
}

func (e *Engine) cancelMonitorLocked(instanceID string) {
	if cancel, ok := e.monitors[instanceID]; ok {
		cancel()
		delete(e.monitors, instanceID)
	}
}

func (e *Engine) countInstancesLocked(agentID, customerID string) (total, yours int) {
	for _, inst := range e.instances {
		if inst.AgentID != agentID || !inst.Status.Active() {
			continue
		}
		total++
		if inst.CustomerID == customerID {
			yours++
		}
	}
	return total, yours
}

// sessionEndpoint reads the instance's control-plane endpoint. Populated
// at instantiation from the provisioned container or the agent listing.
func (e *Engine) sessionEndpoint(inst *Instance) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	endpoint, _ := inst.Config[endpointConfigKey].(string)
	return endpoint
}
