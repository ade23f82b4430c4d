package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockWorker for testing composite workers
type MockWorker struct {
	mock.Mock
}

func (m *MockWorker) Execute(ctx context.Context, task core.TaskSpec) (map[string]any, error) {
	args := m.Called(ctx, task)
	out, _ := args.Get(0).(map[string]any)
	return out, args.Error(1)
}

var testProfile = core.CandidateProfile{Role: core.AgentTypeCoder, Reliability: 0.7}

func TestBaseWorker_Lifecycle(t *testing.T) {
	w := NewBaseWorker("w", testProfile)
	assert.Equal(t, "w", w.Name())
	assert.Equal(t, "Worker w", w.Description())
	w.SetDescription("builds releases")
	assert.Equal(t, "builds releases", w.Description())
	assert.False(t, w.Running())

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Running())
	assert.Error(t, w.Start(context.Background()))

	ctx := w.Context()
	require.NoError(t, w.Stop(context.Background()))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.ErrorIs(t, w.Stop(context.Background()), ErrNotRunning)
}

func TestBaseWorker_BidAndVote(t *testing.T) {
	w := NewBaseWorker("w", testProfile)
	profile, ok := w.Bid(context.Background(), core.ElectionStarted{ElectionID: "e"})
	assert.True(t, ok)
	assert.Equal(t, testProfile, profile)

	_, ok = w.Vote(context.Background(), core.ConsensusRequested{Topic: "deploy"})
	assert.False(t, ok)

	w.SetVotePolicy(FixedVote(core.VoteApprove, 0.9))
	v, ok := w.Vote(context.Background(), core.ConsensusRequested{Topic: "deploy"})
	assert.True(t, ok)
	assert.Equal(t, core.Vote{Choice: core.VoteApprove, Confidence: 0.9}, v)
}

func TestTopicVotes(t *testing.T) {
	p := TopicVotes(map[string]core.Vote{
		"deploy":      {Choice: core.VoteApprove, Confidence: 0.6},
		"deploy/prod": {Choice: core.VoteReject, Confidence: 0.9},
	}, core.Vote{Choice: core.VoteAbstain})

	ctx := context.Background()
	assert.Equal(t, core.VoteApprove, p.Decide(ctx, core.ConsensusRequested{Topic: "deploy/staging"}).Choice)
	assert.Equal(t, core.VoteReject, p.Decide(ctx, core.ConsensusRequested{Topic: "deploy/prod/eu"}).Choice)
	assert.Equal(t, core.VoteAbstain, p.Decide(ctx, core.ConsensusRequested{Topic: "rollback"}).Choice)
}

func TestSequentialWorker_PropagatesOutputs(t *testing.T) {
	first := &MockWorker{}
	first.On("Execute", mock.Anything, mock.MatchedBy(func(task core.TaskSpec) bool {
		return task.Input["seed"] == 1
	})).Return(map[string]any{"a": "x"}, nil)

	second := WorkerFunc(func(_ context.Context, task core.TaskSpec) (map[string]any, error) {
		assert.Equal(t, "x", task.Input["a"])
		return map[string]any{"b": "y"}, nil
	})

	s := NewSequentialWorker("pipe", testProfile, first, second)
	out, err := s.Execute(context.Background(), core.TaskSpec{Name: "t", Input: map[string]any{"seed": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"seed": 1, "a": "x", "b": "y"}, out)
	first.AssertExpectations(t)
}

func TestSequentialWorker_StopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Bool
	s := NewSequentialWorker("pipe", testProfile,
		WorkerFunc(func(context.Context, core.TaskSpec) (map[string]any, error) { return nil, boom }),
		WorkerFunc(func(context.Context, core.TaskSpec) (map[string]any, error) {
			ran.Store(true)
			return nil, nil
		}),
	)
	_, err := s.Execute(context.Background(), core.TaskSpec{Name: "t"})
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran.Load())
}

func TestParallelWorker_RunsConcurrently(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	child := WorkerFunc(func(ctx context.Context, _ core.TaskSpec) (map[string]any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{"ok": true}, nil
	})

	p := NewParallelWorker("fan", time.Second, testProfile).Add("left", child).Add("right", child)

	done := make(chan map[string]any, 1)
	go func() {
		out, err := p.Execute(context.Background(), core.TaskSpec{Name: "t"})
		assert.NoError(t, err)
		done <- out
	}()

	// both children must be running before either is released
	<-started
	<-started
	close(release)

	out := <-done
	assert.Len(t, out, 2)
	assert.Equal(t, map[string]any{"ok": true}, out["left"])
}

func TestParallelWorker_ReturnsChildError(t *testing.T) {
	boom := errors.New("boom")
	ok := &MockWorker{}
	ok.On("Execute", mock.Anything, mock.Anything).Return(map[string]any{"v": 1}, nil).Once()
	bad := &MockWorker{}
	bad.On("Execute", mock.Anything, mock.Anything).Return(nil, boom).Once()

	p := NewParallelWorker("fan", 0, testProfile).Add("ok", ok).Add("bad", bad)
	out, err := p.Execute(context.Background(), core.TaskSpec{Name: "t"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, map[string]any{"v": 1}, out["ok"])
	ok.AssertExpectations(t)
	bad.AssertExpectations(t)
}

func TestLoopWorker_Until(t *testing.T) {
	var n atomic.Int32
	child := WorkerFunc(func(context.Context, core.TaskSpec) (map[string]any, error) {
		return map[string]any{"count": int(n.Add(1))}, nil
	})
	l := NewLoopWorker("poll", child, testProfile, WithUntil(func(out map[string]any) bool {
		return out["count"].(int) >= 3
	}))

	out, err := l.Execute(context.Background(), core.TaskSpec{Name: "t"})
	require.NoError(t, err)
	assert.Equal(t, 3, out["iterations"])
	assert.Equal(t, 3, out["count"])
}

func TestLoopWorker_Escalation(t *testing.T) {
	var n atomic.Int32
	child := WorkerFunc(func(context.Context, core.TaskSpec) (map[string]any, error) {
		if n.Add(1) == 2 {
			return map[string]any{"why": "too hard"}, ErrEscalated
		}
		return nil, nil
	})
	out, err := NewLoopWorker("loop", child, testProfile, WithMaxIters(10)).Execute(context.Background(), core.TaskSpec{Name: "t"})
	require.NoError(t, err)
	assert.Equal(t, 2, out["iterations"])
	assert.Equal(t, "too hard", out["why"])
}

func TestLoopWorker_Errors(t *testing.T) {
	boom := errors.New("boom")
	failing := WorkerFunc(func(context.Context, core.TaskSpec) (map[string]any, error) { return nil, boom })

	_, err := NewLoopWorker("loop", failing, testProfile).Execute(context.Background(), core.TaskSpec{Name: "t"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "iteration 1")

	out, err := NewLoopWorker("loop", failing, testProfile, WithMaxIters(3), WithContinueOnError()).
		Execute(context.Background(), core.TaskSpec{Name: "t"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, out["iterations"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewLoopWorker("loop", failing, testProfile, WithInterval(time.Hour)).Execute(ctx, core.TaskSpec{Name: "t"})
	assert.ErrorIs(t, err, context.Canceled)
}
