package election

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

const actor = "election"

// Directory is the part of the agent registry an election needs.
type Directory interface {
	Responsive(candidates []string) (ok []string, missing []string)
	Get(agentID string) (*core.Agent, error)
}

// EventBus publishes election events and delivers bids.
type EventBus interface {
	core.Publisher
	Subscribe(agentID string, types []core.EventType, handler bus.Handler, opts ...bus.SubscribeOption) error
	Unsubscribe(agentID string)
}

// Store persists election records and their audit entries.
type Store interface {
	core.StateStore
	core.AuditLog
}

// Options configures a Service.
type Options struct {
	// Timeout applies when Elect is called without one.
	Timeout time.Duration
	Scorer  Scorer
	// SubscriberID is the bus identity used to receive bids.
	SubscriberID string
	Logger       logging.Logger
	Clock        func() time.Time
}

// DefaultOptions returns the election defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:      5 * time.Second,
		Scorer:       DefaultScorer,
		SubscriberID: "election",
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

type leadership struct {
	electionID string
	leader     string
	candidates []string
	timeout    time.Duration
}

// Service runs leader elections and re-elects when a leader goes silent.
type Service struct {
	opts  Options
	store Store
	dir   Directory
	bus   EventBus

	mu      sync.Mutex
	rounds  map[string]*round
	leaders map[string]leadership
	ctx     context.Context
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates an election service.
func New(store Store, dir Directory, b EventBus, optFns ...func(o *Options)) *Service {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Scorer == nil {
		opts.Scorer = DefaultScorer
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Service{
		opts:    opts,
		store:   store,
		dir:     dir,
		bus:     b,
		rounds:  make(map[string]*round),
		leaders: make(map[string]leadership),
		ctx:     context.Background(),
	}
}

func (s *Service) now() time.Time { return s.opts.Clock().UTC() }

// Start subscribes to ElectionBid and AgentUnresponsive events. Bids are
// fed to SubmitBid; an unresponsive leader triggers a re-election among the
// remaining candidates of its last election. ctx bounds re-elections.
func (s *Service) Start(ctx context.Context) error {
	if s.bus == nil {
		return &core.ConfigurationError{Field: "bus", Reason: "election service has no event bus"}
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()
	return s.bus.Subscribe(s.opts.SubscriberID, []core.EventType{core.EventElectionBid, core.EventAgentUnresponsive}, s.handle, bus.Service())
}

// Stop unsubscribes and waits for running re-elections.
func (s *Service) Stop() {
	s.mu.Lock()
	started := s.started
	s.stopped = true
	s.mu.Unlock()
	if started && s.bus != nil {
		s.bus.Unsubscribe(s.opts.SubscriberID)
	}
	s.wg.Wait()
}

func (s *Service) handle(ctx context.Context, ev core.Event) error {
	switch p := ev.Payload.(type) {
	case core.ElectionBid:
		if err := s.SubmitBid(ctx, p.ElectionID, p.AgentID, p.Profile); err != nil {
			s.opts.Logger.Warn("Election bid rejected", "election_id", p.ElectionID, "agent_id", p.AgentID, "error", err)
		}
	case core.AgentUnresponsiveEvent:
		s.reelect(p.AgentID)
	}
	return nil
}

// Elect runs one election round for operationID. Candidates that are not
// registered or not responsive are dropped before the round starts. The
// round ends when every candidate has bid or timeout expires; on timeout the
// leader is chosen among the responders and the record status is timeout.
// Cancelling ctx ends the wait early and is recorded as a timeout.
func (s *Service) Elect(ctx context.Context, operationID string, candidates []string, timeout time.Duration) (*core.ElectionRecord, error) {
	if err := state.ValidateOperationID(operationID); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.opts.Timeout
	}
	eligible, missing := s.dir.Responsive(unique(candidates))
	if len(missing) > 0 {
		s.opts.Logger.Warn("Dropping unknown election candidates", "operation_id", operationID, "candidates", missing)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("elect %s: %w", operationID, core.ErrNoCandidates)
	}

	seqs := make(map[string]uint64, len(eligible))
	for _, id := range eligible {
		if a, err := s.dir.Get(id); err == nil {
			seqs[id] = a.Seq
		}
	}

	start := s.now()
	rec := core.ElectionRecord{
		ElectionID:  core.NewID(),
		OperationID: operationID,
		Candidates:  eligible,
		Votes:       map[string]float64{},
		Status:      core.ElectionInProgress,
		StartTime:   start,
		Timeout:     timeout,
	}
	key := state.ElectionKey(operationID, rec.ElectionID)
	_, err := state.Mutate(ctx, s.store, key, actor, func(doc *core.ElectionRecord, _ bool) error {
		*doc = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("elect %s: %w", operationID, err)
	}

	rd := &round{operationID: operationID, expected: len(eligible), full: make(chan struct{})}
	s.mu.Lock()
	s.rounds[rec.ElectionID] = rd
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.rounds, rec.ElectionID)
		s.mu.Unlock()
	}()

	s.publish(ctx, core.ElectionStarted{
		ElectionID:  rec.ElectionID,
		OperationID: operationID,
		Candidates:  eligible,
		Deadline:    start.Add(timeout),
	}, bus.To(eligible...))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rd.full:
	case <-timer.C:
	case <-ctx.Done():
	}

	return s.finalize(context.WithoutCancel(ctx), key, seqs)
}

func (s *Service) finalize(ctx context.Context, key string, seqs map[string]uint64) (*core.ElectionRecord, error) {
	var final core.ElectionRecord
	_, err := state.Mutate(ctx, s.store, key, actor, func(doc *core.ElectionRecord, exists bool) error {
		if !exists {
			return core.ErrRecordNotFound
		}
		if doc.Finalized() {
			return &core.TransitionError{Subject: "election " + doc.ElectionID, From: string(doc.Status), To: "finalized"}
		}
		now := s.now()
		if leader := pickLeader(doc.Candidates, doc.Votes, seqs); leader != "" {
			doc.Leader = &leader
		}
		if len(doc.Votes) == len(doc.Candidates) {
			doc.Status = core.ElectionCompleted
		} else {
			doc.Status = core.ElectionTimeout
			doc.Reason = (&core.ElectionTimeoutError{
				ElectionID: doc.ElectionID,
				Responded:  len(doc.Votes),
				Expected:   len(doc.Candidates),
			}).Error()
		}
		doc.FinishedAt = &now
		final = *doc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", key, err)
	}

	leader := final.LeaderID()
	dur := final.FinishedAt.Sub(final.StartTime)
	metrics.RecordElection(string(final.Status), dur)
	logging.Election(s.opts.Logger, final.ElectionID, leader, string(final.Status), len(final.Candidates), dur)

	detail := fmt.Sprintf("status=%s leader=%s bids=%d/%d", final.Status, leader, len(final.Votes), len(final.Candidates))
	if final.Reason != "" {
		detail += ": " + final.Reason
	}
	if err := s.store.AppendAudit(ctx, core.AuditEntry{
		OperationID: final.OperationID,
		Kind:        core.AuditElectionFinalized,
		Actor:       actor,
		Subject:     final.ElectionID,
		Detail:      detail,
		At:          *final.FinishedAt,
	}); err != nil {
		s.opts.Logger.Warn("Audit append failed", "election_id", final.ElectionID, "error", err)
	}

	s.mu.Lock()
	if leader != "" {
		s.leaders[final.OperationID] = leadership{
			electionID: final.ElectionID,
			leader:     leader,
			candidates: append([]string(nil), final.Candidates...),
			timeout:    final.Timeout,
		}
	} else {
		delete(s.leaders, final.OperationID)
	}
	s.mu.Unlock()

	s.publish(ctx, core.LeaderElected{
		ElectionID:  final.ElectionID,
		OperationID: final.OperationID,
		Leader:      leader,
		Score:       final.Votes[leader],
		Status:      final.Status,
	})
	return &final, nil
}

// SubmitBid records agentID's bid in an open election. The score is
// computed by the configured Scorer and written under the record's lock.
func (s *Service) SubmitBid(ctx context.Context, electionID, agentID string, profile core.CandidateProfile) error {
	s.mu.Lock()
	rd, ok := s.rounds[electionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("bid for %s: %w", electionID, core.ErrRoundClosed)
	}

	score := s.opts.Scorer.Score(profile)
	var bids int
	_, err := state.Mutate(ctx, s.store, state.ElectionKey(rd.operationID, electionID), agentID, func(doc *core.ElectionRecord, exists bool) error {
		if !exists {
			return core.ErrRecordNotFound
		}
		if doc.Finalized() {
			return core.ErrRoundClosed
		}
		if !contains(doc.Candidates, agentID) {
			return core.ErrNotParticipant
		}
		if _, dup := doc.Votes[agentID]; dup {
			return core.ErrDuplicateVote
		}
		if doc.Votes == nil {
			doc.Votes = map[string]float64{}
		}
		doc.Votes[agentID] = score
		bids = len(doc.Votes)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bid for %s by %s: %w", electionID, agentID, err)
	}
	if bids == rd.expected {
		rd.complete()
	}
	return nil
}

// Leader returns the current leader of operationID.
func (s *Service) Leader(operationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leaders[operationID]
	return l.leader, ok
}

// Record returns a persisted election record.
func (s *Service) Record(ctx context.Context, operationID, electionID string) (*core.ElectionRecord, error) {
	rec, _, err := state.Get[core.ElectionRecord](ctx, s.store, state.ElectionKey(operationID, electionID))
	if err != nil {
		if errors.Is(err, core.ErrStateNotFound) {
			return nil, fmt.Errorf("election %s: %w", electionID, core.ErrRecordNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// reelect starts a new election for every operation agentID was leading.
func (s *Service) reelect(agentID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	type job struct {
		operationID string
		l           leadership
	}
	var jobs []job
	for op, l := range s.leaders {
		if l.leader == agentID {
			jobs = append(jobs, job{operationID: op, l: l})
			delete(s.leaders, op)
		}
	}
	ctx := s.ctx
	s.wg.Add(len(jobs))
	s.mu.Unlock()

	for _, j := range jobs {
		j := j
		remaining := without(j.l.candidates, agentID)
		go func() {
			defer s.wg.Done()
			if len(remaining) == 0 {
				s.opts.Logger.Warn("No candidates left for re-election", "operation_id", j.operationID, "previous_leader", agentID)
				return
			}
			s.opts.Logger.Info("Leader unresponsive, re-electing", "operation_id", j.operationID, "previous_leader", agentID, "previous_election", j.l.electionID)
			rec, err := s.Elect(ctx, j.operationID, remaining, j.l.timeout)
			if err != nil {
				s.opts.Logger.Error("Re-election failed", "operation_id", j.operationID, "error", err)
				return
			}
			s.opts.Logger.Info("Re-election finished", "operation_id", j.operationID, "leader", rec.LeaderID(), "status", string(rec.Status))
		}()
	}
}

func (s *Service) publish(ctx context.Context, p core.Payload, opts ...core.PublishOption) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, p, actor, opts...); err != nil {
		s.opts.Logger.Warn("Election event not published", "event_type", string(p.EventType()), "error", err)
	}
}

// pickLeader returns the highest scoring bidder. Equal scores go to the
// earliest registered agent, then to the smaller id.
func pickLeader(candidates []string, votes map[string]float64, seqs map[string]uint64) string {
	best := ""
	var bestScore float64
	for _, id := range candidates {
		score, ok := votes[id]
		if !ok {
			continue
		}
		if best == "" || score > bestScore || (score == bestScore && earlier(id, best, seqs)) {
			best, bestScore = id, score
		}
	}
	return best
}

func earlier(a, b string, seqs map[string]uint64) bool {
	sa, okA := seqs[a]
	sb, okB := seqs[b]
	switch {
	case okA && okB && sa != sb:
		return sa < sb
	case okA != okB:
		return okA
	default:
		return a < b
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

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
