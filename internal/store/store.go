// ABOUTME: Store interface and data types for agenthub-control persistence
// ABOUTME: Defines Agent, Task, User structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when registering an agent id that already exists
var ErrDuplicateAgent = errors.New("agent already exists")

// Agent lifecycle stages
const (
	StageRegistered   = "registered"
	StageDeregistered = "deregistered"
)

// ProtocolACP marks agents that speak the control-plane protocol.
const ProtocolACP = "acp"

// Pricing model types
const (
	PricingPerRequest = "per_request"
	PricingPerMinute  = "per_minute"
	PricingPerHour    = "per_hour"
)

// Pricing describes how usage of an agent is charged
type Pricing struct {
	Type     string  `json:"type" yaml:"type"`
	Price    float64 `json:"price" yaml:"price"`
	Currency string  `json:"currency" yaml:"currency"`
}

// AgentMetadata is the validated listing metadata attached to an agent.
// Parsed once at the registration boundary; everything downstream reads
// the typed form.
type AgentMetadata struct {
	Protocol     string   `json:"protocol" yaml:"protocol"`
	DockerImage  string   `json:"docker_image" yaml:"docker_image"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Pricing      Pricing  `json:"pricing" yaml:"pricing"`
}

// Agent represents a marketplace listing for a deployable agent
type Agent struct {
	ID              string
	Name            string
	Description     string
	Category        string
	EndpointURL     string
	Metadata        AgentMetadata
	Stage           string // "registered" or "deregistered"
	TotalTasks      int64
	SuccessfulTasks int64
	TotalExecTime   float64 // seconds, summed across completed tasks
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SuccessRate returns the fraction of tasks that completed successfully.
func (a *Agent) SuccessRate() float64 {
	if a.TotalTasks == 0 {
		return 0
	}
	return float64(a.SuccessfulTasks) / float64(a.TotalTasks)
}

// AvgExecTime returns the mean task execution time in seconds.
func (a *Agent) AvgExecTime() float64 {
	if a.TotalTasks == 0 {
		return 0
	}
	return a.TotalExecTime / float64(a.TotalTasks)
}

// Task statuses
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Task represents one task execution against an agent instance
type Task struct {
	ID            string
	AgentID       string
	CustomerID    string
	InstanceID    string
	Endpoint      string
	Parameters    map[string]any
	Status        string // "pending", "running", "completed", "failed"
	Result        map[string]any
	Error         string
	ExecutionTime float64 // seconds
	Cost          float64
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// User represents a marketplace customer account
type User struct {
	ID         string
	Name       string
	APIKey     string
	Credits    float64
	TotalSpent float64
	CreatedAt  time.Time
}

// SearchFilter narrows agent discovery queries. Zero-valued fields match
// everything; Limit of 0 means no limit.
type SearchFilter struct {
	Category    string
	NamePattern string
	Limit       int
	Offset      int
}

// Store defines the persistence operations for the control plane
type Store interface {
	// Agent listing operations
	RegisterAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	SetAgentStage(ctx context.Context, id, stage string) error
	SearchAgents(ctx context.Context, filter SearchFilter) ([]*Agent, error)
	UpdateAgentStats(ctx context.Context, id string, success bool, execTime float64) error

	// Task operations
	CreateTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)

	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error)
	AddUserSpend(ctx context.Context, id string, amount float64) error

	// Close releases database resources
	Close() error
}
