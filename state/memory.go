package state

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/swarmkit/core"
)

// MemoryStore is a volatile Store keeping documents, audit trail and event
// log in process local maps. It is safe for concurrent access and best
// suited for tests or single process deployments. Returned entries are
// cloned to prevent external mutation of internal state.
type MemoryStore struct {
	*updater

	mu      sync.RWMutex
	entries map[string]*core.StateEntry
	trail   map[string][]core.AuditEntry
	auditID int64
	events  []core.Event
	closed  bool
}

var _ core.Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(optFns ...func(o *Options)) *MemoryStore {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	s := &MemoryStore{
		entries: make(map[string]*core.StateEntry),
		trail:   make(map[string][]core.AuditEntry),
	}
	s.updater = newUpdater(opts, s)
	return s
}

// Update applies fn to the entry at key under the key's exclusive lock.
func (s *MemoryStore) Update(ctx context.Context, key, actor string, fn core.MutatorFunc) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.update(ctx, key, actor, fn)
}

// Read returns the latest committed entry without taking the key lock.
func (s *MemoryStore) Read(_ context.Context, key string) (*core.StateEntry, error) {
	return s.load(context.Background(), key)
}

// Delete removes the entry at key under the key's exclusive lock.
func (s *MemoryStore) Delete(ctx context.Context, key, actor string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.remove(ctx, key, actor)
}

// Keys lists stored keys with the given prefix in lexical order.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) load(_ context.Context, key string) (*core.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, core.ErrStateNotFound)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) save(_ context.Context, prev int64, entry *core.StateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	var have int64
	if cur, ok := s.entries[entry.Key]; ok {
		have = cur.Version
	}
	if have != prev {
		return fmt.Errorf("version conflict on %s: have %d, expected %d", entry.Key, have, prev)
	}
	s.entries[entry.Key] = entry.Clone()
	return nil
}

func (s *MemoryStore) drop(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if _, ok := s.entries[key]; !ok {
		return fmt.Errorf("%s: %w", key, core.ErrStateNotFound)
	}
	delete(s.entries, key)
	return nil
}

// AppendAudit records an audit entry and assigns it a sequence id.
func (s *MemoryStore) AppendAudit(_ context.Context, entry core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditID++
	entry.ID = s.auditID
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.trail[entry.OperationID] = append(s.trail[entry.OperationID], entry)
	return nil
}

// Audit returns the operation's trail in append order.
func (s *MemoryStore) Audit(_ context.Context, operationID string) ([]core.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.AuditEntry(nil), s.trail[operationID]...), nil
}

// AppendEvent adds ev to the event log.
func (s *MemoryStore) AppendEvent(_ context.Context, ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns logged events with a timestamp at or after since.
func (s *MemoryStore) Events(_ context.Context, since time.Time) ([]core.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Event
	for _, ev := range s.events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// PruneEvents drops events older than before and returns how many were removed.
func (s *MemoryStore) PruneEvents(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	for _, ev := range s.events {
		if !ev.Timestamp.Before(before) {
			kept = append(kept, ev)
		}
	}
	n := len(s.events) - len(kept)
	// Clear the tail so pruned payloads can be collected.
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = core.Event{}
	}
	s.events = kept
	return n, nil
}

// Close marks the store closed; further updates fail with core.ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrClosed
	}
	return nil
}
