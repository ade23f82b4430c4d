// Package engine wires the SwarmKit components into one coordinator.
//
// An Engine owns a store, an event bus, an agent registry, a leader election
// service, a consensus coordinator and the agent runtime, all sharing the
// same store and bus:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Engine                            │
//	│  StartOperation · SetOperationStatus · Elect · Shutdown  │
//	├──────────────────────────────────────────────────────────┤
//	│  runtime.Runtime   election.Service   consensus.Coord.   │
//	├──────────────────────────────────────────────────────────┤
//	│  registry.Registry            bus.Bus                    │
//	├──────────────────────────────────────────────────────────┤
//	│  state.MemoryStore | state.SQLiteStore                   │
//	└──────────────────────────────────────────────────────────┘
//
// # Lifecycle
//
// New builds the components from a Config. Start launches the background
// work: heartbeat checks, event log pruning, the election and consensus
// listeners, and the propagation of unresponsive agents into the documents
// of the operations they belong to. Shutdown cleans up every hosted agent
// concurrently and closes the bus and the store.
//
// # Operations
//
// An operation is a shared, versioned document. Its status follows
//
//	initializing → running ⇄ paused → completed | failed → rolled_back
//
// and terminal statuses archive the document. Every status change is
// appended to the operation's audit trail.
//
// # Recovery
//
// CreateRecoveryPoint stores a checksummed snapshot of an operation.
// RollbackOperation restores a failed or completed operation from one, and
// ExecuteWithRollback does both around a function that may fail.
// EmergencyStop pauses running operations and suspends active agents until
// ResetEmergencyStop is called.
//
// # Hooks
//
// Hooks observe operation status changes and unresponsive agents. A hook
// registered for HookBeforeOperationStatus can veto a transition by
// returning an error.
//
// Example:
//
//	eng, err := engine.New(func(o *engine.Options) {
//	    o.Config.StorePath = "swarm.db"
//	})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Shutdown(context.Background())
//
//	op, _ := eng.StartOperation(ctx, "release-42", 3)
//	_ = eng.Runtime().Initialize(ctx, "coder-1", runtime.AgentConfig{...})
//	rec, _ := eng.Elect(ctx, op.ID, []string{"coder-1"}, 0)
package engine
