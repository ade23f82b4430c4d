package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/swarmkit/core"
)

// Worker executes the tasks an agent runtime hands it.
type Worker interface {
	Execute(ctx context.Context, task core.TaskSpec) (map[string]any, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task core.TaskSpec) (map[string]any, error)

// Execute implements Worker.
func (f WorkerFunc) Execute(ctx context.Context, task core.TaskSpec) (map[string]any, error) {
	return f(ctx, task)
}

// Bidder is implemented by workers that take part in leader elections.
// Returning false skips the election.
type Bidder interface {
	Bid(ctx context.Context, req core.ElectionStarted) (core.CandidateProfile, bool)
}

// Voter is implemented by workers that take part in consensus rounds.
// Returning false abstains from sending a ballot at all.
type Voter interface {
	Vote(ctx context.Context, req core.ConsensusRequested) (core.Vote, bool)
}

// EventHandler receives bus events addressed to the worker that the
// runtime does not handle itself.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev core.Event) error
}

// Lifecycle is implemented by workers that need setup and teardown around
// the runtime's Initialize and Cleanup.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ErrNotRunning is returned by BaseWorker.Stop when Start was never called.
var ErrNotRunning = errors.New("worker is not running")

// BaseWorker bundles identity, a candidate profile and Start/Stop state.
// Embed it and supply Execute. It bids with its profile and, unless a
// VotePolicy is set, does not vote.
type BaseWorker struct {
	name        string
	description string
	profile     core.CandidateProfile
	policy      VotePolicy

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewBaseWorker constructs a BaseWorker bidding with profile.
func NewBaseWorker(name string, profile core.CandidateProfile) BaseWorker {
	return BaseWorker{
		name:        name,
		description: fmt.Sprintf("Worker %s", name),
		profile:     profile,
	}
}

// Name returns the worker's name.
func (b *BaseWorker) Name() string { return b.name }

// Description returns a human readable description.
func (b *BaseWorker) Description() string { return b.description }

// SetDescription updates the description.
func (b *BaseWorker) SetDescription(desc string) { b.description = desc }

// Profile returns the candidate profile used for bids.
func (b *BaseWorker) Profile() core.CandidateProfile { return b.profile }

// SetVotePolicy makes the worker answer consensus requests with p.
func (b *BaseWorker) SetVotePolicy(p VotePolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = p
}

// Bid implements Bidder.
func (b *BaseWorker) Bid(_ context.Context, _ core.ElectionStarted) (core.CandidateProfile, bool) {
	return b.profile, true
}

// Vote implements Voter.
func (b *BaseWorker) Vote(ctx context.Context, req core.ConsensusRequested) (core.Vote, bool) {
	b.mu.Lock()
	p := b.policy
	b.mu.Unlock()
	if p == nil {
		return core.Vote{}, false
	}
	return p.Decide(ctx, req), true
}

// Start marks the worker running and derives the context returned by
// Context. It fails if already running.
func (b *BaseWorker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("worker %s is already running", b.name)
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.running = true
	return nil
}

// Context returns a context cancelled by Stop, or context.Background when
// the worker is not running.
func (b *BaseWorker) Context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return context.Background()
	}
	return b.ctx
}

// Stop marks the worker stopped.
func (b *BaseWorker) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("%s: %w", b.name, ErrNotRunning)
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (b *BaseWorker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
