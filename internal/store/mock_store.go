// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent // keyed by agent ID
	tasks      map[string]*Task  // keyed by task ID
	users      map[string]*User  // keyed by user ID
	usersByKey map[string]string // api key -> user ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:     make(map[string]*Agent),
		tasks:      make(map[string]*Task),
		users:      make(map[string]*User),
		usersByKey: make(map[string]string),
	}
}

// RegisterAgent stores a new agent listing.
func (m *MockStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, agent.ID)
	}

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Stage == "" {
		agent.Stage = StageRegistered
	}

	// Make a copy to avoid external modification
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent listing by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *a
	return &result, nil
}

// SetAgentStage updates the lifecycle stage of an agent listing.
func (m *MockStore) SetAgentStage(ctx context.Context, id, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	a.Stage = stage
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// SearchAgents returns registered agents matching the filter, newest first.
func (m *MockStore) SearchAgents(ctx context.Context, filter SearchFilter) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*Agent
	for _, a := range m.agents {
		if a.Stage != StageRegistered {
			continue
		}
		if filter.Category != "" && a.Category != filter.Category {
			continue
		}
		if filter.NamePattern != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(filter.NamePattern)) {
			continue
		}
		result := *a
		agents = append(agents, &result)
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(agents) {
			return nil, nil
		}
		agents = agents[filter.Offset:]
	}
	if filter.Limit > 0 && len(agents) > filter.Limit {
		agents = agents[:filter.Limit]
	}
	return agents, nil
}

// UpdateAgentStats accumulates task outcome counters on the agent listing.
func (m *MockStore) UpdateAgentStats(ctx context.Context, id string, success bool, execTime float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	a.TotalTasks++
	if success {
		a.SuccessfulTasks++
	}
	a.TotalExecTime += execTime
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateTask stores a new task record.
func (m *MockStore) CreateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = TaskPending
	}

	t := *task
	m.tasks[t.ID] = &t
	return nil
}

// UpdateTask persists the mutable fields of a task record.
func (m *MockStore) UpdateTask(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tasks[task.ID]
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, task.ID)
	}
	existing.Status = task.Status
	existing.Result = task.Result
	existing.Error = task.Error
	existing.ExecutionTime = task.ExecutionTime
	existing.Cost = task.Cost
	existing.CompletedAt = task.CompletedAt
	return nil
}

// GetTask retrieves a task record by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	result := *t
	return &result, nil
}

// CreateUser stores a new customer account.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	u := *user
	m.users[u.ID] = &u
	m.usersByKey[u.APIKey] = u.ID
	return nil
}

// GetUser retrieves a customer account by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	result := *u
	return &result, nil
}

// GetUserByAPIKey retrieves a customer account by its API key.
func (m *MockStore) GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByKey[apiKey]
	if !ok {
		return nil, fmt.Errorf("%w: user by api key", ErrNotFound)
	}
	result := *m.users[id]
	return &result, nil
}

// AddUserSpend deducts credits and accumulates total spend for a user.
func (m *MockStore) AddUserSpend(ctx context.Context, id string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	u.Credits -= amount
	u.TotalSpent += amount
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements the Store interface.
var _ Store = (*MockStore)(nil)
