// Package core provides the foundational domain types, interfaces and errors
// used by SwarmKit. It defines the core abstractions for:
//
//   - Agents (registered workers with capabilities, status and heartbeat)
//   - Operations (coordinated units of work with shared, versioned state)
//   - Events (immutable bus records whose payloads form a closed union)
//   - Messages (directives delivered to a single agent's runtime)
//   - Election and consensus records
//   - Pluggable stores for versioned state, audit trail and event log
//
// The package intentionally keeps implementation concerns (persistence,
// delivery loops, voting rounds) out of scope, exposing small interfaces so
// that backends can be swapped without touching the coordination logic.
package core
