package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/metrics"
	"github.com/hupe1980/swarmkit/state"
)

// CreateRecoveryPoint snapshots the current operation document so the
// operation can later be rolled back to it.
func (e *Engine) CreateRecoveryPoint(ctx context.Context, operationID, description string) (*core.RecoveryPoint, error) {
	entry, err := e.store.Read(ctx, state.OperationKey(operationID))
	if err != nil {
		return nil, fmt.Errorf("snapshot operation %s: %w", operationID, err)
	}
	rp := core.RecoveryPoint{
		ID:          core.NewID(),
		OperationID: operationID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
		Version:     entry.Version,
		Snapshot:    append([]byte(nil), entry.Value...),
	}
	rp.Checksum = rp.ComputeChecksum()

	_, err = state.Mutate(ctx, e.store, state.RecoveryKey(operationID, rp.ID), subscriberID, func(doc *core.RecoveryPoint, exists bool) error {
		if exists {
			return fmt.Errorf("recovery point %s: %w", rp.ID, core.ErrOperationExists)
		}
		*doc = rp
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendAudit(ctx, core.AuditEntry{
		OperationID: operationID,
		Kind:        core.AuditRecoveryPoint,
		Actor:       subscriberID,
		Subject:     rp.ID,
		Detail:      fmt.Sprintf("version %d: %s", rp.Version, description),
	})
	e.logger.Info("Recovery point created", "operation_id", operationID, "recovery_point_id", rp.ID, "version", rp.Version)
	return &rp, nil
}

// RecoveryPoint reads one recovery point.
func (e *Engine) RecoveryPoint(ctx context.Context, operationID, recoveryPointID string) (*core.RecoveryPoint, error) {
	rp, _, err := state.Get[core.RecoveryPoint](ctx, e.store, state.RecoveryKey(operationID, recoveryPointID))
	if state.IsNotFound(err) {
		return nil, fmt.Errorf("recovery point %s: %w", recoveryPointID, core.ErrRecordNotFound)
	}
	return rp, err
}

// RecoveryPoints lists the operation's recovery points, newest first.
func (e *Engine) RecoveryPoints(ctx context.Context, operationID string) ([]*core.RecoveryPoint, error) {
	keys, err := e.store.Keys(ctx, state.RecoveryKey(operationID, ""))
	if err != nil {
		return nil, fmt.Errorf("list recovery points: %w", err)
	}
	out := make([]*core.RecoveryPoint, 0, len(keys))
	for _, key := range keys {
		rp, _, err := state.Get[core.RecoveryPoint](ctx, e.store, key)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RollbackOperation restores the operation's agents, progress and metrics
// from a recovery point and moves it to rolled_back. Only failed or
// completed operations can be rolled back. A recovery point that fails its
// integrity check is refused with core.ErrCorruptRecoveryPoint.
func (e *Engine) RollbackOperation(ctx context.Context, operationID, recoveryPointID string) (*core.Operation, error) {
	op, err := e.rollback(ctx, operationID, recoveryPointID)
	metrics.RecordRollback(err == nil)
	return op, err
}

func (e *Engine) rollback(ctx context.Context, operationID, recoveryPointID string) (*core.Operation, error) {
	rp, err := e.RecoveryPoint(ctx, operationID, recoveryPointID)
	if err != nil {
		return nil, err
	}
	if err := rp.Verify(); err != nil {
		e.logger.Error("Recovery point rejected", "operation_id", operationID, "recovery_point_id", rp.ID, "error", err)
		return nil, err
	}
	snap, err := rp.Operation()
	if err != nil {
		return nil, err
	}

	op, err := e.transition(ctx, operationID, core.OperationRolledBack, func(op *core.Operation) {
		op.Agents = snap.Agents
		op.Progress = snap.Progress
		op.Metrics = snap.Metrics
	})
	if err != nil {
		return nil, err
	}
	e.appendAudit(ctx, core.AuditEntry{
		OperationID: operationID,
		Kind:        core.AuditRollback,
		Actor:       subscriberID,
		Subject:     rp.ID,
		Detail:      fmt.Sprintf("restored version %d", rp.Version),
	})
	e.logger.Warn("Operation rolled back", "operation_id", operationID, "recovery_point_id", rp.ID)
	return op, nil
}

// ExecuteWithRollback snapshots the operation, runs fn and, when fn fails,
// marks the operation failed and rolls it back to the snapshot. The
// returned error wraps fn's error; a failed rollback is joined to it.
func (e *Engine) ExecuteWithRollback(ctx context.Context, operationID, description string, fn func(ctx context.Context) error) error {
	if err := e.checkEmergencyStop(); err != nil {
		return err
	}
	rp, err := e.CreateRecoveryPoint(ctx, operationID, description)
	if err != nil {
		return err
	}
	runErr := fn(ctx)
	if runErr == nil {
		return nil
	}

	// the rollback must finish even when fn failed because ctx was cancelled
	rctx := context.WithoutCancel(ctx)
	if _, err := e.SetOperationStatus(rctx, operationID, core.OperationFailed); err != nil {
		return errors.Join(fmt.Errorf("%s: %w", description, runErr), fmt.Errorf("mark failed: %w", err))
	}
	if _, err := e.RollbackOperation(rctx, operationID, rp.ID); err != nil {
		return errors.Join(fmt.Errorf("%s: %w", description, runErr), fmt.Errorf("rollback: %w", err))
	}
	return fmt.Errorf("%s: rolled back to %s: %w", description, rp.ID, runErr)
}

// PruneRecoveryPoints deletes every recovery point created before cutoff
// and returns how many were removed. Failures on single points are joined;
// the sweep carries on past them.
func (e *Engine) PruneRecoveryPoints(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := e.store.Keys(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list recovery points: %w", err)
	}
	var (
		pruned int
		errs   []error
	)
	for _, key := range keys {
		if !state.IsRecoveryKey(key) {
			continue
		}
		rp, _, err := state.Get[core.RecoveryPoint](ctx, e.store, key)
		if err != nil {
			if !state.IsNotFound(err) {
				errs = append(errs, err)
			}
			continue
		}
		if !rp.CreatedAt.Before(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, key, subscriberID); err != nil {
			if !state.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("prune %s: %w", rp.ID, err))
			}
			continue
		}
		pruned++
		e.appendAudit(ctx, core.AuditEntry{
			OperationID: rp.OperationID,
			Kind:        core.AuditRecoveryPruned,
			Actor:       subscriberID,
			Subject:     rp.ID,
			Detail:      "created " + rp.CreatedAt.Format(time.RFC3339),
		})
	}
	if pruned > 0 {
		e.logger.Info("Recovery points pruned", "count", pruned, "cutoff", cutoff)
	}
	return pruned, errors.Join(errs...)
}

// retainRecoveryPoints prunes points older than RecoveryRetention once and
// then every JanitorInterval until ctx is done.
func (e *Engine) retainRecoveryPoints(ctx context.Context) {
	defer e.wg.Done()
	interval := e.config.JanitorInterval
	if interval <= 0 {
		interval = DefaultConfig.JanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.PruneRecoveryPoints(ctx, time.Now().UTC().Add(-e.config.RecoveryRetention)); err != nil && ctx.Err() == nil {
			e.logger.Warn("Recovery point pruning failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
