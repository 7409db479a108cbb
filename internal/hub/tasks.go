// ABOUTME: Task executor routing customer tasks to agent instances
// ABOUTME: Handles ACP and plain-HTTP execution, cost calculation, and stats

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agenthub-control/internal/acp"
	"github.com/2389/agenthub-control/internal/lifecycle"
	"github.com/2389/agenthub-control/internal/store"
)

// TaskSessions is the control-plane surface the executor needs.
// Implemented by the acp connection manager.
type TaskSessions interface {
	ConnectAgent(ctx context.Context, agentID, endpoint string) error
	SendTaskRequest(ctx context.Context, agentID, taskEndpoint string, parameters map[string]any, timeout time.Duration) (map[string]any, error)
}

// TaskRequest is a customer's request to run a task on one of their
// instances.
type TaskRequest struct {
	InstanceID string         `json:"instance_id"`
	Endpoint   string         `json:"endpoint"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeoutSec float64        `json:"timeout_seconds,omitempty"`
}

// ExecutorConfig configures the task executor.
type ExecutorConfig struct {
	Store    store.Store
	Engine   *lifecycle.Engine
	Sessions TaskSessions
	Logger   *slog.Logger
	Timeout  time.Duration
}

// TaskExecutor runs customer tasks against agent instances, records the
// task lifecycle in the store, and settles billing.
type TaskExecutor struct {
	store      store.Store
	engine     *lifecycle.Engine
	sessions   TaskSessions
	logger     *slog.Logger
	timeout    time.Duration
	httpClient *http.Client
	now        func() time.Time
}

// NewTaskExecutor creates a task executor.
func NewTaskExecutor(cfg ExecutorConfig) *TaskExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TaskExecutor{
		store:      cfg.Store,
		engine:     cfg.Engine,
		sessions:   cfg.Sessions,
		logger:     cfg.Logger.With("component", "tasks"),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		now:        time.Now,
	}
}

// Execute runs one task for the customer and returns the completed task
// record. The record is persisted in every outcome; a failed execution
// returns the record alongside the error.
func (x *TaskExecutor) Execute(ctx context.Context, customerID string, req TaskRequest) (*store.Task, error) {
	agentID, instanceEndpoint, err := x.engine.InstanceForTask(req.InstanceID, customerID)
	if err != nil {
		return nil, err
	}

	agent, err := x.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}

	timeout := x.timeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec * float64(time.Second))
	}

	task := &store.Task{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		CustomerID: customerID,
		InstanceID: req.InstanceID,
		Endpoint:   req.Endpoint,
		Parameters: req.Parameters,
		Status:     store.TaskPending,
		CreatedAt:  x.now().UTC(),
	}
	if err := x.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task record: %w", err)
	}

	task.Status = store.TaskRunning
	if err := x.store.UpdateTask(ctx, task); err != nil {
		x.logger.Warn("marking task running failed", "task_id", task.ID, "error", err)
	}

	started := x.now()
	endpoint := instanceEndpoint
	if endpoint == "" {
		endpoint = agent.EndpointURL
	}

	var result map[string]any
	if agent.Metadata.Protocol == store.ProtocolACP {
		result, err = x.executeACP(ctx, agentID, endpoint, req, timeout)
	} else {
		result, err = x.executeHTTP(ctx, endpoint, req, timeout)
	}
	task.ExecutionTime = x.now().Sub(started).Seconds()
	task.CompletedAt = x.now().UTC()

	if err != nil {
		task.Status = store.TaskFailed
		task.Error = err.Error()
	} else {
		task.Status = store.TaskCompleted
		task.Result = result
		task.Cost = taskCost(agent.Metadata.Pricing, task.ExecutionTime)
	}

	if updateErr := x.store.UpdateTask(ctx, task); updateErr != nil {
		x.logger.Warn("persisting task outcome failed", "task_id", task.ID, "error", updateErr)
	}
	if statsErr := x.store.UpdateAgentStats(ctx, agentID, err == nil, task.ExecutionTime); statsErr != nil {
		x.logger.Warn("updating agent stats failed", "agent_id", agentID, "error", statsErr)
	}

	if err != nil {
		x.logger.Warn("task failed",
			"task_id", task.ID, "instance_id", req.InstanceID, "error", err)
		return task, err
	}

	x.engine.RecordTaskExecution(req.InstanceID)
	if task.Cost > 0 {
		if spendErr := x.store.AddUserSpend(ctx, customerID, task.Cost); spendErr != nil {
			x.logger.Warn("recording spend failed", "customer_id", customerID, "error", spendErr)
		}
	}

	x.logger.Info("task completed",
		"task_id", task.ID, "instance_id", req.InstanceID,
		"execution_time", task.ExecutionTime, "cost", task.Cost)
	return task, nil
}

// executeACP routes the task through the control-plane session. A missing
// session gets exactly one reconnect attempt before failing.
func (x *TaskExecutor) executeACP(ctx context.Context, agentID, endpoint string, req TaskRequest, timeout time.Duration) (map[string]any, error) {
	result, err := x.sessions.SendTaskRequest(ctx, agentID, req.Endpoint, req.Parameters, timeout)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, acp.ErrNotConnected) || endpoint == "" {
		return nil, err
	}

	x.logger.Info("no session for task, reconnecting", "agent_id", agentID)
	if connErr := x.sessions.ConnectAgent(ctx, agentID, endpoint); connErr != nil {
		return nil, fmt.Errorf("reconnect failed: %w", connErr)
	}
	return x.sessions.SendTaskRequest(ctx, agentID, req.Endpoint, req.Parameters, timeout)
}

// executeHTTP posts the parameters directly to the agent's task endpoint.
func (x *TaskExecutor) executeHTTP(ctx context.Context, endpoint string, req TaskRequest, timeout time.Duration) (map[string]any, error) {
	if endpoint == "" {
		return nil, errors.New("agent has no endpoint")
	}
	url := strings.TrimSuffix(endpoint, "/") + "/" + strings.TrimPrefix(req.Endpoint, "/")

	body, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encoding parameters: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := x.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling agent: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var result map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("decoding agent response: %w", err)
		}
	}
	return result, nil
}

// taskCost prices a single completed task. Time-based pricing charges for
// the task's execution time; per-request pricing charges a flat price.
func taskCost(pricing store.Pricing, execTime float64) float64 {
	switch pricing.Type {
	case store.PricingPerMinute:
		return pricing.Price * execTime / 60
	case store.PricingPerHour:
		return pricing.Price * execTime / 3600
	default:
		return pricing.Price
	}
}
