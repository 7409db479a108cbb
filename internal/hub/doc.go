// Package hub assembles the control plane: it owns the store, the acp
// session manager, the lifecycle engine, and the task executor, and
// exposes them over a JSON HTTP API.
//
// Shutdown ordering matters: the HTTP server stops accepting requests
// first, then the lifecycle engine drains its loops and terminates
// running instances, then every control-plane session is torn down, and
// the store is closed last.
package hub
