// ABOUTME: HTTP API handlers for the marketplace control plane
// ABOUTME: Maps engine, executor, and session operations onto JSON endpoints

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agenthub-control/internal/auth"
	"github.com/2389/agenthub-control/internal/lifecycle"
	"github.com/2389/agenthub-control/internal/store"
)

// RegisterAgentRequest is the JSON request body for POST /api/agents.
type RegisterAgentRequest struct {
	ID          string              `json:"id,omitempty"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Category    string              `json:"category,omitempty"`
	EndpointURL string              `json:"endpoint_url,omitempty"`
	Metadata    store.AgentMetadata `json:"metadata"`
}

// RegisterAgentResponse is the JSON response for POST /api/agents.
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
}

// InstantiateRequest is the JSON request body for POST /api/instances.
type InstantiateRequest struct {
	AgentID string         `json:"agent_id"`
	Config  map[string]any `json:"config,omitempty"`
}

// InstantiateResponse is the JSON response for POST /api/instances.
type InstantiateResponse struct {
	InstanceID string `json:"instance_id"`
}

// OperationResponse reports the outcome of a pause/resume/terminate call.
type OperationResponse struct {
	OK bool `json:"ok"`
}

// TokenRequest is the JSON request body for POST /auth/token.
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse is the JSON response for POST /auth/token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in_seconds"`
}

// ConnectRequest is the JSON request body for POST /api/acp/connect.
type ConnectRequest struct {
	AgentID  string `json:"agent_id"`
	Endpoint string `json:"endpoint"`
}

// TaskResponse is the JSON view of a task record.
type TaskResponse struct {
	TaskID        string         `json:"task_id"`
	InstanceID    string         `json:"instance_id"`
	AgentID       string         `json:"agent_id"`
	Status        string         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	ExecutionTime float64        `json:"execution_time_seconds"`
	Cost          float64        `json:"cost"`
}

// AccountResponse is the JSON response for GET /api/account.
type AccountResponse struct {
	UserID     string  `json:"user_id"`
	Name       string  `json:"name"`
	Credits    float64 `json:"credits"`
	TotalSpent float64 `json:"total_spent"`
}

func taskResponse(task *store.Task) TaskResponse {
	return TaskResponse{
		TaskID:        task.ID,
		InstanceID:    task.InstanceID,
		AgentID:       task.AgentID,
		Status:        task.Status,
		Result:        task.Result,
		Error:         task.Error,
		ExecutionTime: task.ExecutionTime,
		Cost:          task.Cost,
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connected_agents": len(h.sessions.ConnectedAgents()),
	})
}

func (h *Hub) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		h.sendJSONError(w, http.StatusNotImplemented, "token auth not configured")
		return
	}

	var req TokenRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.store.GetUserByAPIKey(r.Context(), req.APIKey)
	if err != nil {
		h.sendJSONError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	const validity = 24 * time.Hour
	token, err := h.verifier.Generate(user.ID, validity)
	if err != nil {
		h.logger.Error("token generation failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: int64(validity.Seconds()),
	})
}

func (h *Hub) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		h.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	agent := &store.Agent{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		EndpointURL: req.EndpointURL,
		Metadata:    req.Metadata,
	}
	if err := h.engine.RegisterAgent(r.Context(), agent); err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			h.sendJSONError(w, http.StatusConflict, "agent already exists")
			return
		}
		h.logger.Error("agent registration failed", "error", err)
		h.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, RegisterAgentResponse{AgentID: agent.ID})
}

func (h *Hub) handleDiscoverAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SearchFilter{
		Category:    q.Get("category"),
		NamePattern: q.Get("name"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			h.sendJSONError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	var customerID string
	if user, ok := auth.UserFromContext(r.Context()); ok {
		customerID = user.ID
	}

	listings, err := h.engine.DiscoverAgents(r.Context(), customerID, filter)
	if err != nil {
		h.logger.Error("agent discovery failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"agents": listings})
}

func (h *Hub) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.logger.Error("agent lookup failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     agent.ID,
		"name":         agent.Name,
		"description":  agent.Description,
		"category":     agent.Category,
		"stage":        agent.Stage,
		"metadata":     agent.Metadata,
		"total_tasks":  agent.TotalTasks,
		"success_rate": agent.SuccessRate(),
	})
}

func (h *Hub) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if !h.engine.DeregisterAgent(r.Context(), r.PathValue("id")) {
		h.writeJSON(w, http.StatusConflict, OperationResponse{OK: false})
		return
	}
	h.writeJSON(w, http.StatusOK, OperationResponse{OK: true})
}

func (h *Hub) handleInstantiate(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req InstantiateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	instanceID, err := h.engine.InstantiateAgent(r.Context(), req.AgentID, user.ID, req.Config)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrAgentNotFound):
			h.sendJSONError(w, http.StatusNotFound, "agent not found")
		case errors.Is(err, lifecycle.ErrNoCapacity), errors.Is(err, lifecycle.ErrInvalidState):
			h.sendJSONError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("instantiation failed", "agent_id", req.AgentID, "error", err)
			h.sendJSONError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, InstantiateResponse{InstanceID: instanceID})
}

func (h *Hub) handleListInstances(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	instances := h.engine.GetCustomerInstances(user.ID)
	h.writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (h *Hub) handleInstanceDetails(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	view, err := h.engine.GetInstanceDetails(r.PathValue("id"), user.ID)
	if err != nil {
		h.sendInstanceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Hub) handlePause(w http.ResponseWriter, r *http.Request) {
	h.handleInstanceOp(w, r, h.engine.PauseInstance)
}

func (h *Hub) handleResume(w http.ResponseWriter, r *http.Request) {
	h.handleInstanceOp(w, r, h.engine.ResumeInstance)
}

func (h *Hub) handleTerminate(w http.ResponseWriter, r *http.Request) {
	h.handleInstanceOp(w, r, h.engine.TerminateInstance)
}

func (h *Hub) handleInstanceOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, instanceID, customerID string) bool) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !op(r.Context(), r.PathValue("id"), user.ID) {
		h.writeJSON(w, http.StatusConflict, OperationResponse{OK: false})
		return
	}
	h.writeJSON(w, http.StatusOK, OperationResponse{OK: true})
}

func (h *Hub) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req TaskRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.InstanceID == "" || req.Endpoint == "" {
		h.sendJSONError(w, http.StatusBadRequest, "instance_id and endpoint are required")
		return
	}

	task, err := h.executor.Execute(r.Context(), user.ID, req)
	if err != nil {
		if task != nil {
			// Execution itself failed; the persisted record carries the error.
			h.writeJSON(w, http.StatusBadGateway, taskResponse(task))
			return
		}
		h.sendInstanceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, taskResponse(task))
}

func (h *Hub) handleGetTask(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	task, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("task lookup failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if task.CustomerID != user.ID {
		h.sendJSONError(w, http.StatusForbidden, "not your task")
		return
	}
	h.writeJSON(w, http.StatusOK, taskResponse(task))
}

func (h *Hub) handleACPStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.HealthSnapshot()})
}

func (h *Hub) handleACPConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == "" || req.Endpoint == "" {
		h.sendJSONError(w, http.StatusBadRequest, "agent_id and endpoint are required")
		return
	}

	if err := h.sessions.ConnectAgent(r.Context(), req.AgentID, req.Endpoint); err != nil {
		h.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, OperationResponse{OK: true})
}

func (h *Hub) handleAccount(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, AccountResponse{
		UserID:     user.ID,
		Name:       user.Name,
		Credits:    user.Credits,
		TotalSpent: user.TotalSpent,
	})
}

// requireUser resolves the authenticated customer or writes a 401.
func (h *Hub) requireUser(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return user, true
}

func (h *Hub) sendInstanceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInstanceNotFound):
		h.sendJSONError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, lifecycle.ErrUnauthorized):
		h.sendJSONError(w, http.StatusForbidden, "not your instance")
	case errors.Is(err, lifecycle.ErrInvalidState):
		h.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("instance operation failed", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Hub) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encoding response failed", "error", err)
	}
}

func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func decodeJSON(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
