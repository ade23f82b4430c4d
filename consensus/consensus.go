// Package consensus runs bounded-time weighted votes among agents.
//
// A round is opened with BuildConsensus, which persists a voting
// ConsensusRecord, publishes CONSENSUS_REQUESTED to the participants and
// waits for their ballots. Ballots arrive as CONSENSUS_VOTE events or through
// SubmitVote and are written to the record under the store's per-key lock.
// The round closes when every participant has voted or the timeout expires:
//
//	weightedApproval = (approvals / participants) * mean confidence of approvals
//
// A complete round is approved iff weightedApproval >= threshold. A round
// that times out is recorded with status timeout and result rejected; its
// weighted approval is still computed from the ballots received.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/swarmkit/bus"
	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/logging"
	"github.com/hupe1980/swarmkit/metrics"
	"github.com/hupe1980/swarmkit/state"
)

const actor = "consensus"

// Directory resolves participants. A nil Directory accepts any id.
type Directory interface {
	Get(agentID string) (*core.Agent, error)
}

// EventBus publishes round events and delivers ballots.
type EventBus interface {
	core.Publisher
	Subscribe(agentID string, types []core.EventType, handler bus.Handler, opts ...bus.SubscribeOption) error
	Unsubscribe(agentID string)
}

// Store persists consensus records and their audit entries.
type Store interface {
	core.StateStore
	core.AuditLog
}

// Options configures a Coordinator.
type Options struct {
	Timeout      time.Duration
	SubscriberID string
	Logger       logging.Logger
	Clock        func() time.Time
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:      10 * time.Second,
		SubscriberID: "consensus",
		Logger:       logging.NoOpLogger{},
		Clock:        time.Now,
	}
}

type round struct {
	operationID string
	expected    int
	full        chan struct{}
	once        sync.Once
}

func (r *round) complete() { r.once.Do(func() { close(r.full) }) }

// Coordinator runs consensus rounds.
type Coordinator struct {
	opts  Options
	store Store
	dir   Directory
	bus   EventBus

	mu      sync.Mutex
	rounds  map[string]*round
	started bool
}

// New creates a Coordinator.
func New(store Store, dir Directory, b EventBus, optFns ...func(o *Options)) *Coordinator {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Coordinator{opts: opts, store: store, dir: dir, bus: b, rounds: make(map[string]*round)}
}

func (c *Coordinator) now() time.Time { return c.opts.Clock().UTC() }

// Start subscribes to CONSENSUS_VOTE events.
func (c *Coordinator) Start() error {
	if c.bus == nil {
		return &core.ConfigurationError{Field: "bus", Reason: "consensus coordinator has no event bus"}
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()
	return c.bus.Subscribe(c.opts.SubscriberID, []core.EventType{core.EventConsensusVote}, func(ctx context.Context, ev core.Event) error {
		if p, ok := ev.Payload.(core.ConsensusVoteCast); ok {
			if err := c.SubmitVote(ctx, p.ConsensusID, p.AgentID, p.Vote); err != nil {
				c.opts.Logger.Warn("Consensus vote rejected", "consensus_id", p.ConsensusID, "agent_id", p.AgentID, "error", err)
			}
		}
		return nil
	}, bus.Service())
}

// Stop unsubscribes from the bus.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.mu.Unlock()
	if started {
		c.bus.Unsubscribe(c.opts.SubscriberID)
	}
}

// BuildConsensus opens a round on topic and blocks until it is finalized.
// Cancelling ctx ends the wait early and is recorded as a timeout.
func (c *Coordinator) BuildConsensus(ctx context.Context, operationID, topic string, participants []string, threshold float64, timeout time.Duration) (*core.ConsensusRecord, error) {
	if err := state.ValidateOperationID(operationID); err != nil {
		return nil, err
	}
	if !core.InUnitRange(threshold) {
		return nil, &core.ConfigurationError{Field: "threshold", Reason: fmt.Sprintf("%v outside [0,1]", threshold)}
	}
	participants = unique(participants)
	if len(participants) == 0 {
		return nil, &core.ConfigurationError{Field: "participants", Reason: "must not be empty"}
	}
	if c.dir != nil {
		for _, id := range participants {
			if _, err := c.dir.Get(id); err != nil {
				return nil, &core.ConfigurationError{Field: "participants", Reason: err.Error()}
			}
		}
	}
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	start := c.now()
	rec := core.ConsensusRecord{
		ConsensusID:  core.NewID(),
		OperationID:  operationID,
		Topic:        topic,
		Participants: participants,
		Votes:        map[string]core.Vote{},
		Threshold:    threshold,
		Status:       core.ConsensusVoting,
		StartTime:    start,
		Timeout:      timeout,
	}
	key := state.ConsensusKey(operationID, rec.ConsensusID)
	if _, err := state.Mutate(ctx, c.store, key, actor, func(doc *core.ConsensusRecord, _ bool) error {
		*doc = rec
		return nil
	}); err != nil {
		return nil, fmt.Errorf("consensus on %q: %w", topic, err)
	}

	rd := &round{operationID: operationID, expected: len(participants), full: make(chan struct{})}
	c.mu.Lock()
	c.rounds[rec.ConsensusID] = rd
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.rounds, rec.ConsensusID)
		c.mu.Unlock()
	}()

	c.publish(ctx, core.ConsensusRequested{
		ConsensusID:  rec.ConsensusID,
		OperationID:  operationID,
		Topic:        topic,
		Participants: participants,
		Threshold:    threshold,
		Deadline:     start.Add(timeout),
	}, bus.To(participants...))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rd.full:
	case <-timer.C:
	case <-ctx.Done():
	}
	return c.finalize(context.WithoutCancel(ctx), key)
}

func (c *Coordinator) finalize(ctx context.Context, key string) (*core.ConsensusRecord, error) {
	var final core.ConsensusRecord
	_, err := state.Mutate(ctx, c.store, key, actor, func(doc *core.ConsensusRecord, exists bool) error {
		if !exists {
			return core.ErrRecordNotFound
		}
		if doc.Status != core.ConsensusVoting {
			return &core.TransitionError{Subject: "consensus " + doc.ConsensusID, From: string(doc.Status), To: "finalized"}
		}
		now := c.now()
		doc.WeightedApproval = core.WeightedApproval(doc.Votes, len(doc.Participants))
		result := core.ResultRejected
		if len(doc.Votes) == len(doc.Participants) {
			doc.Status = core.ConsensusCompleted
			if doc.WeightedApproval >= doc.Threshold {
				result = core.ResultApproved
			}
		} else {
			doc.Status = core.ConsensusTimedOut
			doc.Reason = (&core.ConsensusTimeoutError{
				ConsensusID: doc.ConsensusID,
				Votes:       len(doc.Votes),
				Expected:    len(doc.Participants),
			}).Error()
		}
		doc.Result = &result
		doc.FinishedAt = &now
		final = *doc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", key, err)
	}

	result := string(*final.Result)
	dur := final.FinishedAt.Sub(final.StartTime)
	metrics.RecordConsensus(string(final.Status), result)
	logging.Consensus(c.opts.Logger, final.ConsensusID, final.Topic, result, final.WeightedApproval, len(final.Votes), dur)

	detail := fmt.Sprintf("topic=%q status=%s result=%s approval=%.3f threshold=%.3f votes=%d/%d",
		final.Topic, final.Status, result, final.WeightedApproval, final.Threshold, len(final.Votes), len(final.Participants))
	if final.Reason != "" {
		detail += ": " + final.Reason
	}
	if err := c.store.AppendAudit(ctx, core.AuditEntry{
		OperationID: final.OperationID,
		Kind:        core.AuditConsensusFinalized,
		Actor:       actor,
		Subject:     final.ConsensusID,
		Detail:      detail,
		At:          *final.FinishedAt,
	}); err != nil {
		c.opts.Logger.Warn("Audit append failed", "consensus_id", final.ConsensusID, "error", err)
	}

	c.publish(ctx, core.ConsensusReached{
		ConsensusID:      final.ConsensusID,
		OperationID:      final.OperationID,
		Topic:            final.Topic,
		Result:           *final.Result,
		WeightedApproval: final.WeightedApproval,
		Status:           final.Status,
	})
	return &final, nil
}

// SubmitVote records agentID's ballot in an open round.
func (c *Coordinator) SubmitVote(ctx context.Context, consensusID, agentID string, vote core.Vote) error {
	if !vote.Choice.Valid() {
		return &core.ConfigurationError{Field: "vote", Reason: fmt.Sprintf("unknown choice %q", vote.Choice)}
	}
	if !core.InUnitRange(vote.Confidence) {
		return &core.ConfigurationError{Field: "confidence", Reason: fmt.Sprintf("%v outside [0,1]", vote.Confidence)}
	}

	c.mu.Lock()
	rd, ok := c.rounds[consensusID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("vote on %s: %w", consensusID, core.ErrRoundClosed)
	}

	var votes int
	_, err := state.Mutate(ctx, c.store, state.ConsensusKey(rd.operationID, consensusID), agentID, func(doc *core.ConsensusRecord, exists bool) error {
		if !exists {
			return core.ErrRecordNotFound
		}
		if doc.Status != core.ConsensusVoting {
			return core.ErrRoundClosed
		}
		if !doc.IsParticipant(agentID) {
			return core.ErrNotParticipant
		}
		if _, dup := doc.Votes[agentID]; dup {
			return core.ErrDuplicateVote
		}
		if doc.Votes == nil {
			doc.Votes = map[string]core.Vote{}
		}
		doc.Votes[agentID] = vote
		votes = len(doc.Votes)
		return nil
	})
	if err != nil {
		return fmt.Errorf("vote on %s by %s: %w", consensusID, agentID, err)
	}
	if votes == rd.expected {
		rd.complete()
	}
	return nil
}

// Record returns a persisted consensus record.
func (c *Coordinator) Record(ctx context.Context, operationID, consensusID string) (*core.ConsensusRecord, error) {
	rec, _, err := state.Get[core.ConsensusRecord](ctx, c.store, state.ConsensusKey(operationID, consensusID))
	if err != nil {
		if errors.Is(err, core.ErrStateNotFound) {
			return nil, fmt.Errorf("consensus %s: %w", consensusID, core.ErrRecordNotFound)
		}
		return nil, err
	}
	return rec, nil
}

func (c *Coordinator) publish(ctx context.Context, p core.Payload, opts ...core.PublishOption) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Publish(ctx, p, actor, opts...); err != nil {
		c.opts.Logger.Warn("Consensus event not published", "event_type", string(p.EventType()), "error", err)
	}
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
