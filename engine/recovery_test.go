package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackRestoresRecoveryPoint(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.StartOperation(ctx, "op-1", 4)
	require.NoError(t, err)
	hostAgent(t, eng, "a-1", "op-1", 0.9, nil)

	_, err = eng.Runtime().ExecuteTask(ctx, "a-1", core.TaskSpec{Name: "prepare"})
	require.NoError(t, err)
	rp, err := eng.CreateRecoveryPoint(ctx, "op-1", "before migrate")
	require.NoError(t, err)
	assert.NoError(t, rp.Verify())

	_, err = eng.Runtime().ExecuteTask(ctx, "a-1", core.TaskSpec{Name: "migrate"})
	require.NoError(t, err)
	op, err := eng.Operation(ctx, "op-1")
	require.NoError(t, err)
	require.Equal(t, 2, op.Progress.Current)

	// only failed or completed operations roll back
	_, err = eng.RollbackOperation(ctx, "op-1", rp.ID)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = eng.SetOperationStatus(ctx, "op-1", core.OperationFailed)
	require.NoError(t, err)
	op, err = eng.RollbackOperation(ctx, "op-1", rp.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OperationRolledBack, op.Status)
	assert.Equal(t, 1, op.Progress.Current)
	assert.NotNil(t, op.ArchivedAt)

	points, err := eng.RecoveryPoints(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, rp.ID, points[0].ID)

	trail, err := eng.Audit(ctx, "op-1")
	require.NoError(t, err)
	kinds := map[core.AuditKind]int{}
	for _, e := range trail {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[core.AuditRecoveryPoint])
	assert.Equal(t, 1, kinds[core.AuditRollback])

	_, err = eng.RollbackOperation(ctx, "op-1", rp.ID)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestRollbackRefusesUnknownAndTamperedPoints(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.StartOperation(ctx, "op-1", 1)
	require.NoError(t, err)
	rp, err := eng.CreateRecoveryPoint(ctx, "op-1", "baseline")
	require.NoError(t, err)
	_, err = eng.SetOperationStatus(ctx, "op-1", core.OperationFailed)
	require.NoError(t, err)

	_, err = eng.RollbackOperation(ctx, "op-1", "missing")
	assert.ErrorIs(t, err, core.ErrRecordNotFound)

	_, err = state.Mutate(ctx, eng.Store(), state.RecoveryKey("op-1", rp.ID), "intruder", func(doc *core.RecoveryPoint, _ bool) error {
		doc.Snapshot = []byte(`{"operationId":"op-1","status":"running","progress":{"current":99,"total":1}}`)
		return nil
	})
	require.NoError(t, err)

	_, err = eng.RollbackOperation(ctx, "op-1", rp.ID)
	assert.ErrorIs(t, err, core.ErrCorruptRecoveryPoint)

	op, err := eng.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, core.OperationFailed, op.Status)
}

func TestExecuteWithRollback(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.StartOperation(ctx, "ok", 1)
	require.NoError(t, err)
	require.NoError(t, eng.ExecuteWithRollback(ctx, "ok", "noop", func(context.Context) error { return nil }))
	op, err := eng.Operation(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, core.OperationRunning, op.Status)

	_, err = eng.StartOperation(ctx, "deploy", 2)
	require.NoError(t, err)
	boom := errors.New("target unreachable")
	err = eng.ExecuteWithRollback(ctx, "deploy", "rollout", func(ctx context.Context) error {
		_, err := state.UpdateOperation(ctx, eng.Store(), "deploy", "rollout", func(op *core.Operation) error {
			op.Progress.Current = 2
			op.Metrics["replicas"] = 3
			return nil
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "rolled back")

	op, err = eng.Operation(ctx, "deploy")
	require.NoError(t, err)
	assert.Equal(t, core.OperationRolledBack, op.Status)
	assert.Zero(t, op.Progress.Current)
	assert.Empty(t, op.Metrics)
}

func TestEmergencyStop(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	_, err := eng.StartOperation(ctx, "op-1", 1)
	require.NoError(t, err)
	hostAgent(t, eng, "a-1", "op-1", 0.9, nil)
	_, err = eng.CreateRecoveryPoint(ctx, "op-1", "baseline")
	require.NoError(t, err)

	require.NoError(t, eng.EmergencyStop(ctx, "disk full"))
	stopped, reason := eng.EmergencyStopped()
	assert.True(t, stopped)
	assert.Equal(t, "disk full", reason)

	op, err := eng.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, core.OperationPaused, op.Status)
	status, err := eng.Registry().GetStatus("a-1")
	require.NoError(t, err)
	assert.Equal(t, core.AgentSuspended, status)

	_, err = eng.StartOperation(ctx, "op-2", 1)
	assert.ErrorIs(t, err, core.ErrEmergencyStop)
	_, err = eng.SetOperationStatus(ctx, "op-1", core.OperationRunning)
	assert.ErrorIs(t, err, core.ErrEmergencyStop)
	err = eng.ExecuteWithRollback(ctx, "op-1", "retry", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, core.ErrEmergencyStop)

	rep, err := eng.Status(ctx)
	require.NoError(t, err)
	assert.True(t, rep.EmergencyStop)
	assert.Equal(t, "disk full", rep.StopReason)
	assert.Equal(t, 1, rep.Operations[core.OperationPaused])
	assert.Equal(t, 1, rep.Agents[core.AgentSuspended])
	assert.Equal(t, 1, rep.RecoveryPoints)

	eng.ResetEmergencyStop()
	_, err = eng.SetOperationStatus(ctx, "op-1", core.OperationRunning)
	require.NoError(t, err)
	rep, err = eng.Status(ctx)
	require.NoError(t, err)
	assert.False(t, rep.EmergencyStop)
}

func TestPruneRecoveryPoints(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2"} {
		_, err := eng.StartOperation(ctx, id, 1)
		require.NoError(t, err)
	}
	old, err := eng.CreateRecoveryPoint(ctx, "op-1", "first")
	require.NoError(t, err)
	other, err := eng.CreateRecoveryPoint(ctx, "op-2", "other")
	require.NoError(t, err)

	n, err := eng.PruneRecoveryPoints(ctx, old.CreatedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	cutoff := time.Now().UTC().Add(time.Second)
	n, err = eng.PruneRecoveryPoints(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"op-1", "op-2"} {
		points, err := eng.RecoveryPoints(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, points)
	}
	_, err = eng.RecoveryPoint(ctx, "op-2", other.ID)
	assert.ErrorIs(t, err, core.ErrRecordNotFound)

	// operation documents are not recovery points
	op, err := eng.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.ID)

	trail, err := eng.Audit(ctx, "op-1")
	require.NoError(t, err)
	var pruned []string
	for _, e := range trail {
		if e.Kind == core.AuditRecoveryPruned {
			pruned = append(pruned, e.Subject)
		}
	}
	assert.Equal(t, []string{old.ID}, pruned)
}

func TestRecoveryRetentionSweep(t *testing.T) {
	eng := newEngine(t, func(o *Options) {
		o.Config.RecoveryRetention = time.Millisecond
		o.Config.JanitorInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	_, err := eng.StartOperation(ctx, "op-1", 1)
	require.NoError(t, err)
	_, err = eng.CreateRecoveryPoint(ctx, "op-1", "short lived")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		points, err := eng.RecoveryPoints(ctx, "op-1")
		return err == nil && len(points) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
