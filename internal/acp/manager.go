// ABOUTME: Connection registry mapping agent ids to live transport adapters.
// ABOUTME: Connects, routes task requests, and exposes a health snapshot of all sessions.

package acp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotConnected indicates no live session exists for the agent.
var ErrNotConnected = errors.New("agent not connected")

// AgentHealth is a read-only view of one session for observability.
type AgentHealth struct {
	Status        Status     `json:"status"`
	Healthy       bool       `json:"healthy"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Manager is the single source of truth mapping agent ids to live transport
// adapters. At most one session exists per agent id at any time.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*Client
	logger  *slog.Logger

	connectTimeout        time.Duration
	handshakeReplyTimeout time.Duration
	heartbeatInterval     time.Duration
	healthWindow          time.Duration
}

// ManagerConfig configures the connection registry. Zero timing fields fall
// back to the protocol defaults.
type ManagerConfig struct {
	Logger *slog.Logger

	ConnectTimeout        time.Duration
	HandshakeReplyTimeout time.Duration
	HeartbeatInterval     time.Duration
	HealthWindow          time.Duration
}

// NewManager creates an empty connection registry.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Manager{
		clients:               make(map[string]*Client),
		logger:                cfg.Logger,
		connectTimeout:        cfg.ConnectTimeout,
		handshakeReplyTimeout: cfg.HandshakeReplyTimeout,
		heartbeatInterval:     cfg.HeartbeatInterval,
		healthWindow:          cfg.HealthWindow,
	}
}

// ConnectAgent establishes a session to the agent endpoint. The call is
// idempotent: an already-connected agent id returns immediately. The network
// connect happens outside the registry lock so unrelated agents are not
// blocked, and a failed connect removes the entry again.
func (m *Manager) ConnectAgent(ctx context.Context, agentID, endpoint string) error {
	m.mu.Lock()
	if existing, ok := m.clients[agentID]; ok {
		if existing.Connected() {
			m.mu.Unlock()
			return nil
		}
		// Stale session: tear it down before replacing.
		delete(m.clients, agentID)
		m.mu.Unlock()
		existing.Disconnect()
		m.mu.Lock()
	}

	client := NewClient(ClientConfig{
		AgentID:               agentID,
		Endpoint:              endpoint,
		Logger:                m.logger.With("agent_id", agentID),
		HandshakeReplyTimeout: m.handshakeReplyTimeout,
		HeartbeatInterval:     m.heartbeatInterval,
		HealthWindow:          m.healthWindow,
	})
	m.clients[agentID] = client
	m.mu.Unlock()

	if err := client.Connect(ctx, m.connectTimeout); err != nil {
		m.mu.Lock()
		if m.clients[agentID] == client {
			delete(m.clients, agentID)
		}
		m.mu.Unlock()
		return err
	}

	m.logger.Info("agent session connected", "agent_id", agentID, "endpoint", endpoint)
	return nil
}

// SendTaskRequest routes a task request to the agent's session.
// Returns ErrNotConnected if no live session exists.
func (m *Manager) SendTaskRequest(ctx context.Context, agentID, taskEndpoint string, parameters map[string]any, timeout time.Duration) (map[string]any, error) {
	m.mu.Lock()
	client, ok := m.clients[agentID]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, agentID)
	}
	if !client.Connected() {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrNotConnected, agentID, client.Status())
	}
	return client.SendTaskRequest(ctx, taskEndpoint, parameters, timeout)
}

// DisconnectAgent tears down and removes the agent's session, if any.
func (m *Manager) DisconnectAgent(agentID string) {
	m.mu.Lock()
	client, ok := m.clients[agentID]
	if ok {
		delete(m.clients, agentID)
	}
	m.mu.Unlock()

	if ok {
		client.Disconnect()
		m.logger.Info("agent session removed", "agent_id", agentID)
	}
}

// DisconnectAll tears down every session. Used during shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for id, client := range m.clients {
		clients = append(clients, client)
		delete(m.clients, id)
	}
	m.mu.Unlock()

	for _, client := range clients {
		client.Disconnect()
	}
}

// Status returns the session status for an agent id.
func (m *Manager) Status(agentID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[agentID]
	if !ok {
		return StatusDisconnected, false
	}
	return client.Status(), true
}

// SessionHealth reports liveness info for one agent session. Implements the
// lifecycle engine's session health contract.
func (m *Manager) SessionHealth(agentID string) (healthy bool, lastHeartbeat time.Time, ok bool) {
	m.mu.Lock()
	client, exists := m.clients[agentID]
	m.mu.Unlock()

	if !exists {
		return false, time.Time{}, false
	}
	return client.IsHealthy(), client.LastHeartbeat(), true
}

// ConnectedAgents returns the ids of all agents with a live session.
func (m *Manager) ConnectedAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.clients))
	for id, client := range m.clients {
		if client.Connected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// HealthSnapshot returns a read-only map of agent id to session health for
// observability endpoints.
func (m *Manager) HealthSnapshot() map[string]AgentHealth {
	m.mu.Lock()
	clients := make(map[string]*Client, len(m.clients))
	for id, client := range m.clients {
		clients[id] = client
	}
	m.mu.Unlock()

	snapshot := make(map[string]AgentHealth, len(clients))
	for id, client := range clients {
		health := AgentHealth{
			Status:  client.Status(),
			Healthy: client.IsHealthy(),
		}
		if hb := client.LastHeartbeat(); !hb.IsZero() {
			health.LastHeartbeat = &hb
		}
		snapshot[id] = health
	}
	return snapshot
}
