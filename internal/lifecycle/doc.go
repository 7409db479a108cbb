// Package lifecycle owns every customer instance of a marketplace agent
// and drives it through its state machine:
//
//	starting -> running <-> paused
//	running|paused -> stopping -> stopped
//	any active state -> error
//
// The Engine is constructed once at process start and shut down
// explicitly; it is the single authoritative owner of the instance table
// and the customer index, which are mutated together under one lock.
// Runtime and session I/O always happens outside that lock.
//
// Supervision runs at two levels: a global maintenance pass every minute
// (usage refresh, health checks, billing, reclamation of stopped
// instances past the retention window) and a per-instance monitor every
// 30 seconds while the instance is running. A failure in one instance's
// pass never aborts the others, and neither loop ever exits on error.
//
// Ownership is checked on every customer-facing operation before any
// state-dependent logic. Pause, resume, and terminate report failures as
// a boolean after logging; registration and instantiation propagate
// errors so callers can report them.
package lifecycle
