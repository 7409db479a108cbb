// ABOUTME: Instance data types for the lifecycle engine
// ABOUTME: Defines instance status, resource usage, health, and billing records

package lifecycle

import (
	"time"

	"github.com/2389/agenthub-control/internal/store"
)

// InstanceStatus is the operational state of a customer instance.
type InstanceStatus string

// Instance state machine values.
const (
	StatusStarting InstanceStatus = "starting"
	StatusRunning  InstanceStatus = "running"
	StatusPaused   InstanceStatus = "paused"
	StatusStopping InstanceStatus = "stopping"
	StatusStopped  InstanceStatus = "stopped"
	StatusError    InstanceStatus = "error"
)

// Active reports whether the instance still holds compute or a session.
func (s InstanceStatus) Active() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// ResourceUsage is a point-in-time resource reading for an instance.
type ResourceUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Uptime        float64   `json:"uptime_seconds"`
	TaskCount     int64     `json:"task_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

// HealthStatus tracks control-plane liveness for an instance.
type HealthStatus struct {
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ErrorCount    int       `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
}

// BillingInfo accumulates cost for an instance. UsageTime is seconds of
// wall clock spent RUNNING; TaskExecutions counts completed task requests.
type BillingInfo struct {
	TotalCost      float64 `json:"total_cost"`
	UsageTime      float64 `json:"usage_time_seconds"`
	TaskExecutions int64   `json:"task_executions"`
}

// Instance is one customer-specific running allocation of an agent.
// All fields are guarded by the engine's lock; callers outside the engine
// only ever see copies via Snapshot.
type Instance struct {
	ID         string
	AgentID    string
	CustomerID string
	Config     map[string]any
	Status     InstanceStatus

	CreatedAt time.Time
	StartedAt time.Time
	PausedAt  time.Time
	StoppedAt time.Time

	Usage   ResourceUsage
	Health  HealthStatus
	Billing BillingInfo

	// Cached from the agent listing at instantiation so billing never
	// re-reads the store.
	Pricing  store.Pricing
	Protocol string
	HasImage bool
}

// InstanceView is a read-only copy of an instance for callers.
type InstanceView struct {
	ID         string         `json:"instance_id"`
	AgentID    string         `json:"agent_id"`
	CustomerID string         `json:"customer_id"`
	Config     map[string]any `json:"config,omitempty"`
	Status     InstanceStatus `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	PausedAt  *time.Time `json:"paused_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`

	Usage   ResourceUsage `json:"resource_usage"`
	Health  HealthStatus  `json:"health"`
	Billing BillingInfo   `json:"billing"`
}

// Snapshot returns a copy safe to hand outside the engine's lock.
func (i *Instance) Snapshot() InstanceView {
	view := InstanceView{
		ID:         i.ID,
		AgentID:    i.AgentID,
		CustomerID: i.CustomerID,
		Status:     i.Status,
		CreatedAt:  i.CreatedAt,
		Usage:      i.Usage,
		Health:     i.Health,
		Billing:    i.Billing,
	}
	if i.Config != nil {
		view.Config = make(map[string]any, len(i.Config))
		for k, v := range i.Config {
			view.Config[k] = v
		}
	}
	if !i.StartedAt.IsZero() {
		t := i.StartedAt
		view.StartedAt = &t
	}
	if !i.PausedAt.IsZero() {
		t := i.PausedAt
		view.PausedAt = &t
	}
	if !i.StoppedAt.IsZero() {
		t := i.StoppedAt
		view.StoppedAt = &t
	}
	return view
}

// AgentListing is a discovery result annotated with availability and
// performance data.
type AgentListing struct {
	ID             string   `json:"agent_id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	Capabilities   []string `json:"capabilities"`
	PricingType    string   `json:"pricing_type"`
	Price          float64  `json:"price"`
	Currency       string   `json:"currency"`
	Available      int      `json:"available_slots"`
	YourInstances  int      `json:"your_instances"`
	TotalInstances int      `json:"total_instances"`
	TotalTasks     int64    `json:"total_tasks"`
	SuccessRate    float64  `json:"success_rate"`
	AvgExecTime    float64  `json:"avg_exec_time_seconds"`
}
