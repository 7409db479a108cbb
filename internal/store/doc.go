// Package store provides persistence for agenthub-control.
//
// The Store interface covers agent listings, task records, and customer
// accounts. SQLiteStore is the production implementation backed by
// modernc.org/sqlite with WAL mode and automatic schema creation.
// MockStore is an in-memory implementation for tests.
//
// Agent metadata (protocol, docker image, capabilities, pricing) is
// validated once at the registration boundary and stored as JSON; callers
// always see the typed AgentMetadata form.
package store
