package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/state"
)

// StartOperation creates the operation document expecting total units of
// work and moves it to running.
func (e *Engine) StartOperation(ctx context.Context, operationID string, total int) (*core.Operation, error) {
	if total < 0 {
		return nil, &core.ConfigurationError{Field: "total", Reason: "must not be negative"}
	}
	if err := e.checkEmergencyStop(); err != nil {
		return nil, err
	}
	if _, err := state.CreateOperation(ctx, e.store, operationID, total, subscriberID); err != nil {
		return nil, err
	}
	e.logger.Info("Operation created", "operation_id", operationID, "total", total)
	return e.SetOperationStatus(ctx, operationID, core.OperationRunning)
}

// SetOperationStatus moves the operation along its lifecycle. Invalid moves
// return a *core.TransitionError; terminal statuses archive the document.
// Resuming is refused while an emergency stop is active.
func (e *Engine) SetOperationStatus(ctx context.Context, operationID string, to core.OperationStatus) (*core.Operation, error) {
	if to == core.OperationRunning {
		if err := e.checkEmergencyStop(); err != nil {
			return nil, err
		}
	}
	return e.transition(ctx, operationID, to, nil)
}

// transition runs the hooks, applies the status change and the optional
// apply func under the document lock, then audits the move.
func (e *Engine) transition(ctx context.Context, operationID string, to core.OperationStatus, apply func(op *core.Operation)) (*core.Operation, error) {
	current, err := state.ReadOperation(ctx, e.store, operationID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(to) {
		return nil, transitionError(operationID, current.Status, to)
	}
	if err := e.hooks.run(ctx, &HookContext{Type: HookBeforeOperationStatus, OperationID: operationID, From: current.Status, To: to}); err != nil {
		return nil, fmt.Errorf("operation %s: %w", operationID, err)
	}

	var (
		from    core.OperationStatus
		updated core.Operation
	)
	_, err = state.UpdateOperation(ctx, e.store, operationID, subscriberID, func(op *core.Operation) error {
		// re-check under the lock: the status may have moved since the read
		if !op.Status.CanTransitionTo(to) {
			return transitionError(operationID, op.Status, to)
		}
		from = op.Status
		if apply != nil {
			apply(op)
		}
		op.Status = to
		if to.IsTerminal() && op.ArchivedAt == nil {
			now := time.Now().UTC()
			op.ArchivedAt = &now
		}
		updated = *op
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendAudit(ctx, core.AuditEntry{
		OperationID: operationID,
		Kind:        core.AuditOperationStatus,
		Actor:       subscriberID,
		Subject:     operationID,
		Detail:      fmt.Sprintf("%s -> %s", from, to),
	})
	e.logger.Info("Operation status changed", "operation_id", operationID, "from", string(from), "to", string(to))
	if herr := e.hooks.run(ctx, &HookContext{Type: HookAfterOperationStatus, OperationID: operationID, From: from, To: to}); herr != nil {
		e.logger.Warn("Hook failed", "hook", string(HookAfterOperationStatus), "error", herr)
	}
	return &updated, nil
}

// Operation returns the latest committed operation document.
func (e *Engine) Operation(ctx context.Context, operationID string) (*core.Operation, error) {
	return state.ReadOperation(ctx, e.store, operationID)
}

// Operations lists the ids of every stored operation.
func (e *Engine) Operations(ctx context.Context) ([]string, error) {
	keys, err := e.store.Keys(ctx, "")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if state.Scope(key) == key {
			ids = append(ids, key)
		}
	}
	return ids, nil
}

// Audit returns the operation's audit trail, oldest first.
func (e *Engine) Audit(ctx context.Context, operationID string) ([]core.AuditEntry, error) {
	return e.store.Audit(ctx, operationID)
}

func transitionError(operationID string, from, to core.OperationStatus) error {
	return &core.TransitionError{Subject: "operation " + operationID, From: string(from), To: string(to)}
}
