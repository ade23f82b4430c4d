package core

import (
	"context"
	"time"
)

// StateEntry is a versioned document: the unit guarded by a state lock.
type StateEntry struct {
	Key           string    `json:"key"`
	Value         []byte    `json:"value"`
	Version       int64     `json:"version"`
	LastUpdatedBy string    `json:"lastUpdatedBy"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Exists reports whether the entry has been committed at least once.
func (e *StateEntry) Exists() bool { return e.Version > 0 }

// Clone returns a copy whose Value can be mutated independently.
func (e *StateEntry) Clone() *StateEntry {
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return &cp
}

// MutatorFunc changes an entry in place while the key's lock is held. A
// fresh entry (Version 0) is passed for keys that do not exist yet.
type MutatorFunc func(entry *StateEntry) error

// StateStore persists versioned documents under per-key exclusive locks.
//
// Contract:
//   - Update serializes writers of the same key; each writer observes the
//     previous writer's committed value.
//   - Update returns the new version.
//   - Read never blocks on the lock and may return a stale value.
//   - Read returns ErrStateNotFound for unknown keys.
//   - Delete takes the same lock as Update. A later Update of the key starts
//     over at version 1.
type StateStore interface {
	Update(ctx context.Context, key, actor string, fn MutatorFunc) (int64, error)
	Read(ctx context.Context, key string) (*StateEntry, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key, actor string) error
}

// AuditKind classifies audit trail entries.
type AuditKind string

const (
	AuditLockAcquired       AuditKind = "lock_acquired"
	AuditLockReleased       AuditKind = "lock_released"
	AuditAgentStatus        AuditKind = "agent_status_changed"
	AuditAgentError         AuditKind = "agent_error"
	AuditElectionFinalized  AuditKind = "election_finalized"
	AuditConsensusFinalized AuditKind = "consensus_finalized"
	AuditOperationStatus    AuditKind = "operation_status_changed"
	AuditRecoveryPoint      AuditKind = "recovery_point_created"
	AuditRecoveryPruned     AuditKind = "recovery_point_pruned"
	AuditRollback           AuditKind = "operation_rolled_back"
	AuditEmergencyStop      AuditKind = "emergency_stop"
)

// AuditEntry is one append-only record associated with an operation.
type AuditEntry struct {
	ID          int64     `json:"id"`
	OperationID string    `json:"operationId"`
	Kind        AuditKind `json:"kind"`
	Actor       string    `json:"actor"`
	Subject     string    `json:"subject"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// AuditLog is the append-only trail of state transitions.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	Audit(ctx context.Context, operationID string) ([]AuditEntry, error)
}

// EventLog durably records published events.
type EventLog interface {
	AppendEvent(ctx context.Context, ev Event) error
	Events(ctx context.Context, since time.Time) ([]Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int, error)
}

// Store bundles every persistence capability a SwarmKit engine needs.
type Store interface {
	StateStore
	AuditLog
	EventLog
	Close() error
}
