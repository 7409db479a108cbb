// Package acp implements the control-plane protocol spoken with agent
// runtime endpoints.
//
// # Wire Format
//
// Every message travels as a JSON envelope:
//
//	{"type": ..., "agent_id": ..., "message_id": ..., "payload": {...}, "timestamp": ...}
//
// with seven message types: handshake, heartbeat, task_request,
// task_response, status_update, error, shutdown. A task_response payload
// carries the originating message id under "request_id".
//
// # Transports
//
// The Client prefers a streaming websocket session at <endpoint>/acp
// (scheme upgraded to ws/wss). The handshake must be answered within a
// short sub-timeout with a payload declaring status "ready". If the stream
// cannot be established, the Client falls back to plain HTTP:
//
//	POST <endpoint>/acp/handshake
//	POST <endpoint>/acp/task
//	POST <endpoint>/acp/heartbeat
//
// # Request/Response Correlation
//
// In streaming mode each task request registers a single-use completion
// channel keyed by its message id:
//
//	pending map[string]chan map[string]any
//
// The receive loop resolves the channel when a task_response with the
// matching request_id arrives. The handle is always removed: on response,
// on timeout, or on session teardown. At most one waiter exists per
// message id.
//
// # Liveness
//
// A heartbeat is sent every 30 seconds while the session is live. A session
// is healthy while connected and the last observed heartbeat is younger
// than 120 seconds. Connection or read failures degrade the session status
// locally; the Client never reconnects on its own.
//
// # Manager
//
// The Manager is the registry of one Client per agent id. ConnectAgent is
// idempotent, performs the network connect outside the registry lock, and
// removes the entry again when the connect fails.
package acp
