package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/swarmkit/agent"
	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/election"
	"github.com/hupe1980/swarmkit/internal/testutil"
	"github.com/hupe1980/swarmkit/runtime"
	"github.com/hupe1980/swarmkit/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reliabilityScorer = election.ScorerFunc(func(p core.CandidateProfile) float64 { return p.Reliability * 100 })

func newEngine(t *testing.T, optFns ...func(o *Options)) *Engine {
	t.Helper()
	eng, err := New(append([]func(o *Options){func(o *Options) {
		o.Config.HeartbeatInterval = 20 * time.Millisecond
		o.Scorer = reliabilityScorer
	}}, optFns...)...)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return eng
}

// member is a hosted agent worker that bids with its profile and votes
// through its policy.
type member struct {
	agent.BaseWorker
}

func (m *member) Execute(_ context.Context, task core.TaskSpec) (map[string]any, error) {
	return map[string]any{"done": task.Name}, nil
}

func hostAgent(t *testing.T, eng *Engine, id, opID string, reliability float64, vote *core.Vote) {
	t.Helper()
	profile := core.CandidateProfile{Role: core.AgentTypeCoder, Reliability: reliability}
	w := &member{BaseWorker: agent.NewBaseWorker(id, profile)}
	if vote != nil {
		w.SetVotePolicy(agent.FixedVote(vote.Choice, vote.Confidence))
	}
	require.NoError(t, eng.Runtime().Initialize(context.Background(), id, runtime.AgentConfig{
		Type:        core.AgentTypeCoder,
		OperationID: opID,
		Profile:     profile,
		Worker:      w,
	}))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig.Validate())

	cfg := DefaultConfig
	cfg.LockTimeout = -time.Second
	var cerr *core.ConfigurationError
	require.ErrorAs(t, cfg.Validate(), &cerr)
	assert.Equal(t, "lock_timeout", cerr.Field)

	cfg = DefaultConfig
	cfg.HeartbeatInterval = time.Minute
	assert.ErrorIs(t, cfg.Validate(), core.ErrConfiguration)

	_, err := New(func(o *Options) { o.Config.MaxAgents = -1 })
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestOperationLifecycle(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	op, err := eng.StartOperation(ctx, "op-1", 3)
	require.NoError(t, err)
	assert.Equal(t, core.OperationRunning, op.Status)
	assert.Equal(t, 3, op.Progress.Total)

	_, err = eng.StartOperation(ctx, "op-1", 3)
	assert.ErrorIs(t, err, core.ErrOperationExists)
	_, err = eng.StartOperation(ctx, "bad/id", 1)
	assert.ErrorIs(t, err, core.ErrConfiguration)

	_, err = eng.SetOperationStatus(ctx, "op-1", core.OperationRolledBack)
	var terr *core.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "running", terr.From)

	_, err = eng.SetOperationStatus(ctx, "op-1", core.OperationPaused)
	require.NoError(t, err)
	op, err = eng.SetOperationStatus(ctx, "op-1", core.OperationCompleted)
	require.NoError(t, err)
	assert.NotNil(t, op.ArchivedAt)

	_, err = eng.SetOperationStatus(ctx, "missing", core.OperationRunning)
	assert.ErrorIs(t, err, core.ErrStateNotFound)

	trail, err := eng.Audit(ctx, "op-1")
	require.NoError(t, err)
	var details []string
	for _, e := range trail {
		if e.Kind == core.AuditOperationStatus {
			details = append(details, e.Detail)
		}
	}
	assert.Equal(t, []string{"initializing -> running", "running -> paused", "paused -> completed"}, details)

	ids, err := eng.Operations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1"}, ids)
}

func TestHooks(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	_, err := eng.StartOperation(ctx, "op-1", 1)
	require.NoError(t, err)

	var seen []core.OperationStatus
	veto := errors.New("release freeze")
	eng.RegisterHook(NewFunctionHook(HookBeforeOperationStatus, func(_ context.Context, hc *HookContext) error {
		if hc.To == core.OperationFailed {
			return veto
		}
		return nil
	}))
	eng.RegisterHook(NewFunctionHook(HookAfterOperationStatus, func(_ context.Context, hc *HookContext) error {
		seen = append(seen, hc.To)
		return nil
	}))
	eng.RegisterHook(NewLoggingHook(HookAfterOperationStatus, nil))

	_, err = eng.SetOperationStatus(ctx, "op-1", core.OperationFailed)
	assert.ErrorIs(t, err, veto)
	op, err := eng.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, core.OperationRunning, op.Status)

	_, err = eng.SetOperationStatus(ctx, "op-1", core.OperationCompleted)
	require.NoError(t, err)
	assert.Equal(t, []core.OperationStatus{core.OperationCompleted}, seen)
}

func TestConcurrentTasksAdvanceProgress(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	_, err := eng.StartOperation(ctx, "op-1", 2)
	require.NoError(t, err)
	hostAgent(t, eng, "a-1", "op-1", 0.5, nil)
	hostAgent(t, eng, "a-2", "op-1", 0.5, nil)

	errs := make(chan error, 2)
	for _, id := range []string{"a-1", "a-2"} {
		id := id
		go func() {
			_, err := eng.Runtime().ExecuteTask(ctx, id, core.TaskSpec{Name: "increment"})
			errs <- err
		}()
	}
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	op, err := eng.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, core.Progress{Current: 2, Total: 2}, op.Progress)
}

func TestElectionAndConsensusWithHostedAgents(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	_, err := eng.StartOperation(ctx, "op-1", 0)
	require.NoError(t, err)

	hostAgent(t, eng, "a-1", "op-1", 0.30, &core.Vote{Choice: core.VoteApprove, Confidence: 0.9})
	hostAgent(t, eng, "a-2", "op-1", 0.45, &core.Vote{Choice: core.VoteApprove, Confidence: 0.8})
	hostAgent(t, eng, "a-3", "op-1", 0.40, &core.Vote{Choice: core.VoteReject, Confidence: 0.7})
	hostAgent(t, eng, "a-4", "op-1", 0.20, &core.Vote{Choice: core.VoteAbstain, Confidence: 0.5})

	rec, err := eng.Elect(ctx, "op-1", []string{"a-1", "a-2", "a-3"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a-2", rec.LeaderID())
	assert.Equal(t, core.ElectionCompleted, rec.Status)
	leader, ok := eng.Leader("op-1")
	assert.True(t, ok)
	assert.Equal(t, "a-2", leader)

	// 2 of 4 approve with average confidence 0.85: 0.5 * 0.85 = 0.425
	crec, err := eng.BuildConsensus(ctx, "op-1", "deploy", []string{"a-1", "a-2", "a-3", "a-4"}, 0.6, time.Second)
	require.NoError(t, err)
	require.NotNil(t, crec.Result)
	assert.Equal(t, core.ResultRejected, *crec.Result)
	assert.InDelta(t, 0.425, crec.WeightedApproval, 1e-9)
	assert.Equal(t, core.ConsensusCompleted, crec.Status)
}

func TestBroadcastShutdownKeepsServicesListening(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	_, err := eng.StartOperation(ctx, "op-1", 0)
	require.NoError(t, err)
	hostAgent(t, eng, "old", "op-1", 0.5, nil)

	_, err = eng.Bus().Publish(ctx, core.Shutdown{Reason: "drain"}, "operator")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !eng.Bus().IsSubscribed("old") }, 2*time.Second, 10*time.Millisecond)
	for _, id := range []string{"election", "consensus", subscriberID} {
		assert.True(t, eng.Bus().IsSubscribed(id), id)
	}

	approve := &core.Vote{Choice: core.VoteApprove, Confidence: 0.9}
	hostAgent(t, eng, "a-1", "op-1", 0.3, approve)
	hostAgent(t, eng, "a-2", "op-1", 0.6, approve)

	rec, err := eng.Elect(ctx, "op-1", []string{"a-1", "a-2"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.ElectionCompleted, rec.Status)
	assert.Equal(t, "a-2", rec.LeaderID())

	crec, err := eng.BuildConsensus(ctx, "op-1", "deploy", []string{"a-1", "a-2"}, 0.5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.ConsensusCompleted, crec.Status)
	require.NotNil(t, crec.Result)
	assert.Equal(t, core.ResultApproved, *crec.Result)
}

func TestLeaderFailureTriggersReelection(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	eng := newEngine(t, func(o *Options) {
		o.Clock = clock.Now
		o.Config.HeartbeatTimeout = 10 * time.Second
		o.Config.CheckInterval = time.Hour
	})
	ctx := context.Background()
	_, err := eng.StartOperation(ctx, "op-1", 0)
	require.NoError(t, err)

	hostAgent(t, eng, "a-1", "op-1", 0.30, nil)
	hostAgent(t, eng, "a-3", "op-1", 0.40, nil)

	// a-2 bids but never heartbeats.
	silent := testutil.NewAgentBuilder("a-2").Operation("op-1").Reliability(0.45).Build()
	require.NoError(t, eng.Registry().Register(ctx, silent))
	require.NoError(t, eng.Registry().Transition(ctx, "a-2", core.AgentActive))
	_, err = state.UpdateOperation(ctx, eng.Store(), "op-1", "test", func(op *core.Operation) error {
		op.UpdateAgent("a-2", func(st *core.AgentState) { st.Status = core.AgentActive })
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, eng.Bus().Subscribe("a-2", []core.EventType{core.EventElectionStarted}, func(ctx context.Context, ev core.Event) error {
		p := ev.Payload.(core.ElectionStarted)
		_, err := eng.Bus().Publish(ctx, core.ElectionBid{ElectionID: p.ElectionID, AgentID: "a-2", Profile: silent.Profile}, "a-2")
		return err
	}))

	rec, err := eng.Elect(ctx, "op-1", []string{"a-1", "a-2", "a-3"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "a-2", rec.LeaderID())

	clock.Advance(11 * time.Second)
	// let the hosted agents heartbeat against the advanced clock
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"a-2"}, eng.Registry().CheckHeartbeats(ctx))

	require.Eventually(t, func() bool {
		leader, ok := eng.Leader("op-1")
		return ok && leader == "a-3"
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		op, err := eng.Operation(ctx, "op-1")
		if err != nil {
			return false
		}
		st := op.Agents["a-2"]
		return st.Status == core.AgentUnresponsive && st.LastError != ""
	}, 3*time.Second, 10*time.Millisecond)

	op, err := eng.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Contains(t, op.Errors()["a-2"], "unresponsive")
	assert.NotContains(t, op.Errors(), "a-1")
}

func TestSQLiteStorePersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.db")
	ctx := context.Background()

	eng, err := New(func(o *Options) { o.Config.StorePath = path })
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	_, err = eng.StartOperation(ctx, "op-1", 5)
	require.NoError(t, err)
	require.NoError(t, eng.Shutdown(ctx))
	require.NoError(t, eng.Shutdown(ctx))
	assert.ErrorIs(t, eng.Start(ctx), core.ErrClosed)

	reopened, err := New(func(o *Options) { o.Config.StorePath = path })
	require.NoError(t, err)
	defer func() { _ = reopened.Shutdown(ctx) }()

	op, err := reopened.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, core.OperationRunning, op.Status)
	assert.Equal(t, 5, op.Progress.Total)

	trail, err := reopened.Audit(ctx, "op-1")
	require.NoError(t, err)
	assert.NotEmpty(t, trail)
}

func TestShutdownEndsPendingReelection(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	_, err := eng.StartOperation(ctx, "op-1", 0)
	require.NoError(t, err)
	hostAgent(t, eng, "lead", "op-1", 0.9, nil)

	// slow bids in the first round only, so the re-election waits out its timeout
	slow := testutil.NewAgentBuilder("slow").Operation("op-1").Reliability(0.1).Build()
	require.NoError(t, eng.Registry().Register(ctx, slow))
	require.NoError(t, eng.Registry().Transition(ctx, "slow", core.AgentActive))
	var rounds atomic.Int32
	second := make(chan struct{})
	require.NoError(t, eng.Bus().Subscribe("slow", []core.EventType{core.EventElectionStarted}, func(ctx context.Context, ev core.Event) error {
		if rounds.Add(1) > 1 {
			close(second)
			return nil
		}
		p := ev.Payload.(core.ElectionStarted)
		_, err := eng.Bus().Publish(ctx, core.ElectionBid{ElectionID: p.ElectionID, AgentID: "slow", Profile: slow.Profile}, "slow")
		return err
	}))

	rec, err := eng.Elect(ctx, "op-1", []string{"lead", "slow"}, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "lead", rec.LeaderID())

	_, err = eng.Bus().Publish(ctx, core.AgentUnresponsiveEvent{AgentID: "lead", LastHeartbeat: time.Now(), Timeout: time.Second}, "registry")
	require.NoError(t, err)
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("re-election never started")
	}

	start := time.Now()
	require.NoError(t, eng.Shutdown(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestShutdownCleansUpAgents(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	assert.Error(t, eng.Start(ctx))

	hostAgent(t, eng, "a-1", "", 0.5, nil)
	hostAgent(t, eng, "a-2", "", 0.5, nil)

	require.NoError(t, eng.Shutdown(ctx))
	assert.Empty(t, eng.Runtime().Agents())
	status, err := eng.Registry().GetStatus("a-1")
	require.NoError(t, err)
	assert.Equal(t, core.AgentTerminated, status)
}
