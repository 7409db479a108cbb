// ABOUTME: ACP wire envelope and message type definitions for the control-plane protocol.
// ABOUTME: Defines the seven control message types and JSON encode/decode with validation.

package acp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrProtocol indicates a malformed control message or a missing required field.
var ErrProtocol = errors.New("protocol error")

// MessageType identifies a control-plane message.
type MessageType string

// The seven control message types exchanged with agent endpoints.
const (
	TypeHandshake    MessageType = "handshake"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeTaskRequest  MessageType = "task_request"
	TypeTaskResponse MessageType = "task_response"
	TypeStatusUpdate MessageType = "status_update"
	TypeError        MessageType = "error"
	TypeShutdown     MessageType = "shutdown"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeHandshake, TypeHeartbeat, TypeTaskRequest, TypeTaskResponse,
		TypeStatusUpdate, TypeError, TypeShutdown:
		return true
	}
	return false
}

// Status is the connection status of a transport session.
type Status string

// Session statuses.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// ProtocolVersion is the control-plane protocol version sent in handshakes.
const ProtocolVersion = "1.0"

// ClientType identifies this control plane in handshake payloads.
const ClientType = "agenthub-control"

// Message is the wire envelope for all control-plane messages.
type Message struct {
	Type      MessageType    `json:"type"`
	AgentID   string         `json:"agent_id"`
	MessageID string         `json:"message_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
}

// NewMessage creates an outbound message with a fresh correlation id
// and the current timestamp.
func NewMessage(msgType MessageType, agentID string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		Type:      msgType,
		AgentID:   agentID,
		MessageID: uuid.New().String(),
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Encode serializes the message to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Decode parses a wire message and validates the envelope.
// Returns ErrProtocol for malformed JSON, unknown types, or missing fields.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, m.Type)
	}
	if m.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message_id", ErrProtocol)
	}
	if m.Payload == nil {
		m.Payload = map[string]any{}
	}
	return &m, nil
}

// RequestID returns the correlation id a task_response carries in its
// payload, or an empty string if absent.
func (m *Message) RequestID() string {
	id, _ := m.Payload["request_id"].(string)
	return id
}

// HandshakePayload builds the payload for an outbound handshake message.
func HandshakePayload() map[string]any {
	return map[string]any{
		"protocol_version": ProtocolVersion,
		"client_type":      ClientType,
	}
}

// ReadyHandshake reports whether a handshake reply payload declares readiness.
func ReadyHandshake(payload map[string]any) bool {
	status, _ := payload["status"].(string)
	return status == "ready"
}
