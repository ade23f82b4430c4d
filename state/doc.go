// Package state implements the shared state store: versioned JSON documents
// scoped per operation and mutated only through a locked read-modify-write
// cycle.
//
// Keys are slash separated paths whose first segment is the operation id:
//
//	<operationID>                      operation document
//	<operationID>/election/<id>        election record
//	<operationID>/consensus/<id>       consensus record
//
// Writers of the same key are serialized by an exclusive per-key lock with a
// bounded wait; a timed out attempt is retried with exponential backoff and
// finally reported as *core.LockTimeoutError. Readers never take the lock and
// may observe the value committed just before an in-flight update.
//
// Two backends share this discipline: MemoryStore for tests and single
// process use, SQLiteStore for durable state.
package state
