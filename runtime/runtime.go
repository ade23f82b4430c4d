// Package runtime is the execution wrapper every SwarmKit agent runs in and
// the only surface the outside world calls:
//
//	Initialize(ctx, agentID, cfg)    bring an agent up (ConfigurationError on bad input or a full pool)
//	ExecuteTask(ctx, agentID, spec)  run a task on the agent's Worker (*core.TaskError on failure)
//	ReportStatus(ctx, agentID)       status, progress and health
//	HandleMessage(ctx, agentID, msg) suspend, resume, shutdown, ping or a bus event
//	Cleanup(ctx, agentID)            tear the agent down; a no-op for terminated agents
//
// Each initialized agent owns a heartbeat goroutine and a bus subscription.
// Through the subscription it answers ELECTION_STARTED with a bid and
// CONSENSUS_REQUESTED with a vote, using its Worker's agent.Bidder and
// agent.Voter implementations when present. The number of live agents is
// bounded by Options.MaxAgents.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/swarmkit/agent"
	"github.com/hupe1980/swarmkit/bus"
	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/logging"
	"github.com/hupe1980/swarmkit/metrics"
	"github.com/hupe1980/swarmkit/state"
)

// Registry is the part of the agent registry the runtime drives.
type Registry interface {
	Register(ctx context.Context, agent core.Agent) error
	Heartbeat(ctx context.Context, agentID string) error
	Transition(ctx context.Context, agentID string, to core.AgentStatus) error
	Get(agentID string) (*core.Agent, error)
	SetCurrentTask(agentID string, task *core.TaskRef) error
	Deregister(ctx context.Context, agentID string) error
}

// EventBus is the part of the event bus the runtime uses.
type EventBus interface {
	core.Publisher
	Subscribe(agentID string, types []core.EventType, handler bus.Handler, opts ...bus.SubscribeOption) error
	Unsubscribe(agentID string)
	QueueDepth(agentID string) int
}

// Store holds operation documents and the audit trail.
type Store interface {
	core.StateStore
	core.AuditLog
}

// Options configures a Runtime.
type Options struct {
	MaxAgents         int64
	HeartbeatInterval time.Duration
	// TaskTimeout applies to tasks without their own timeout; zero means none.
	TaskTimeout time.Duration
	Logger      logging.Logger
}

// DefaultOptions returns the runtime defaults.
func DefaultOptions() Options {
	return Options{
		MaxAgents:         16,
		HeartbeatInterval: 2 * time.Second,
		Logger:            logging.NoOpLogger{},
	}
}

type instance struct {
	id     string
	cfg    AgentConfig
	cancel context.CancelFunc
	done   chan struct{}
	// slot serialises task execution: an agent works on one task at a time.
	slot chan struct{}

	mu        sync.Mutex
	progress  core.Progress
	lastError string
}

func (in *instance) snapshot() (core.Progress, string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.progress, in.lastError
}

// Runtime hosts agents.
type Runtime struct {
	opts  Options
	reg   Registry
	bus   EventBus
	store Store
	pool  *semaphore.Weighted

	mu      sync.Mutex
	agents  map[string]*instance
	pending map[string]struct{}
}

// New creates a Runtime.
func New(reg Registry, b EventBus, store Store, optFns ...func(o *Options)) *Runtime {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = DefaultOptions().MaxAgents
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultOptions().HeartbeatInterval
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Runtime{
		opts:    opts,
		reg:     reg,
		bus:     b,
		store:   store,
		pool:    semaphore.NewWeighted(opts.MaxAgents),
		agents:  make(map[string]*instance),
		pending: make(map[string]struct{}),
	}
}

// Initialize registers agentID, subscribes it to the bus, starts its
// heartbeat and moves it to active. When cfg names an operation the agent is
// added to that operation's document, which must already exist.
func (r *Runtime) Initialize(ctx context.Context, agentID string, cfg AgentConfig) (err error) {
	if agentID == "" {
		return &core.ConfigurationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Profile.Role == "" {
		cfg.Profile.Role = cfg.Type
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = r.opts.HeartbeatInterval
	}

	r.mu.Lock()
	_, live := r.agents[agentID]
	_, starting := r.pending[agentID]
	if live || starting {
		r.mu.Unlock()
		return fmt.Errorf("initialize %s: %w", agentID, core.ErrAgentExists)
	}
	if !r.pool.TryAcquire(1) {
		r.mu.Unlock()
		return &core.ConfigurationError{Field: "max_agents", Reason: fmt.Sprintf("agent pool exhausted (%d)", r.opts.MaxAgents)}
	}
	r.pending[agentID] = struct{}{}
	r.mu.Unlock()

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	in := &instance{id: agentID, cfg: cfg, cancel: cancel, done: make(chan struct{}), slot: make(chan struct{}, 1)}

	var steps []func()
	defer func() {
		r.mu.Lock()
		delete(r.pending, agentID)
		r.mu.Unlock()
		if err == nil {
			return
		}
		for i := len(steps) - 1; i >= 0; i-- {
			steps[i]()
		}
		cancel()
		r.pool.Release(1)
	}()

	if err := r.reg.Register(ctx, core.Agent{
		ID:           agentID,
		Type:         cfg.Type,
		Capabilities: cfg.Capabilities,
		OperationID:  cfg.OperationID,
		Profile:      cfg.Profile,
	}); err != nil {
		return fmt.Errorf("initialize %s: %w", agentID, err)
	}
	steps = append(steps, func() { _ = r.reg.Deregister(context.WithoutCancel(ctx), agentID) })

	if cfg.OperationID != "" {
		_, err := state.UpdateOperation(ctx, r.store, cfg.OperationID, agentID, func(op *core.Operation) error {
			op.UpdateAgent(agentID, func(st *core.AgentState) {
				st.Status = core.AgentActive
				st.LastError = ""
			})
			return nil
		})
		if err != nil {
			return fmt.Errorf("initialize %s: join operation: %w", agentID, err)
		}
	}

	if lc, ok := cfg.Worker.(agent.Lifecycle); ok {
		if err := lc.Start(hbCtx); err != nil {
			return fmt.Errorf("initialize %s: start worker: %w", agentID, err)
		}
		steps = append(steps, func() { _ = lc.Stop(context.WithoutCancel(ctx)) })
	}

	types := append([]core.EventType{core.EventElectionStarted, core.EventConsensusRequested}, cfg.Subscriptions...)
	if err := r.bus.Subscribe(agentID, types, func(ctx context.Context, ev core.Event) error {
		return r.HandleMessage(ctx, agentID, core.EventMessage{Event: ev})
	}); err != nil {
		return fmt.Errorf("initialize %s: subscribe: %w", agentID, err)
	}
	steps = append(steps, func() { r.bus.Unsubscribe(agentID) })

	if err := r.reg.Transition(ctx, agentID, core.AgentActive); err != nil {
		return fmt.Errorf("initialize %s: %w", agentID, err)
	}

	r.mu.Lock()
	r.agents[agentID] = in
	r.mu.Unlock()
	go r.heartbeat(hbCtx, in)
	metrics.SetActiveAgents(r.count())
	r.opts.Logger.Info("Agent initialized", "agent_id", agentID, "agent_type", string(cfg.Type), "operation_id", cfg.OperationID)
	return nil
}

func (r *Runtime) heartbeat(ctx context.Context, in *instance) {
	defer close(in.done)
	ticker := time.NewTicker(in.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.reg.Heartbeat(ctx, in.id); err != nil {
				if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrAgentNotFound) {
					return
				}
				r.opts.Logger.Warn("Heartbeat failed", "agent_id", in.id, "error", err)
			}
		}
	}
}

// ExecuteTask runs spec on the agent's Worker. Tasks on one agent run one
// at a time. Success advances the operation's progress; failure is recorded
// as the agent's unresolved error and returned as *core.TaskError.
func (r *Runtime) ExecuteTask(ctx context.Context, agentID string, spec core.TaskSpec) (*core.TaskResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	in, err := r.instance(agentID)
	if err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = core.NewID()
	}
	if spec.OperationID == "" {
		spec.OperationID = in.cfg.OperationID
	}
	if spec.OperationID != "" {
		if err := state.ValidateOperationID(spec.OperationID); err != nil {
			return nil, err
		}
	}

	a, err := r.reg.Get(agentID)
	if err != nil {
		return nil, err
	}
	if a.Status != core.AgentActive {
		return nil, &core.TaskError{AgentID: agentID, TaskID: spec.ID, Err: fmt.Errorf("agent is %s: %w", a.Status, core.ErrInvalidTransition)}
	}

	select {
	case in.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, &core.TaskError{AgentID: agentID, TaskID: spec.ID, Err: ctx.Err()}
	}
	defer func() { <-in.slot }()

	started := time.Now().UTC()
	ref := &core.TaskRef{ID: spec.ID, Name: spec.Name, OperationID: spec.OperationID, StartedAt: started}
	_ = r.reg.SetCurrentTask(agentID, ref)
	defer func() { _ = r.reg.SetCurrentTask(agentID, nil) }()
	in.mu.Lock()
	in.progress.Total += spec.ProgressUnits()
	in.mu.Unlock()

	r.updateAgentState(ctx, spec.OperationID, agentID, func(op *core.Operation, st *core.AgentState) {
		st.CurrentTask = ref
		st.Progress.Total += spec.ProgressUnits()
	})
	r.publish(ctx, core.TaskAssigned{AgentID: agentID, OperationID: spec.OperationID, TaskID: spec.ID, Name: spec.Name})

	runCtx := ctx
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = r.opts.TaskTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, execErr := r.execute(runCtx, in.cfg.Worker, spec)
	dur := time.Since(started)
	metrics.RecordTask(execErr == nil)

	if execErr != nil {
		terr := &core.TaskError{AgentID: agentID, TaskID: spec.ID, Err: execErr}
		in.mu.Lock()
		in.lastError = terr.Error()
		in.mu.Unlock()
		r.updateAgentState(ctx, spec.OperationID, agentID, func(_ *core.Operation, st *core.AgentState) {
			st.CurrentTask = nil
			st.LastError = terr.Error()
		})
		r.audit(ctx, spec.OperationID, agentID, terr.Error())
		r.publish(ctx, core.TaskFailed{AgentID: agentID, OperationID: spec.OperationID, TaskID: spec.ID, Error: execErr.Error()})
		r.opts.Logger.Warn("Task failed", "agent_id", agentID, "task_id", spec.ID, "error", execErr)
		return nil, terr
	}

	units := spec.ProgressUnits()
	in.mu.Lock()
	in.progress.Current += units
	in.lastError = ""
	in.mu.Unlock()

	var opProgress core.Progress
	r.updateAgentState(ctx, spec.OperationID, agentID, func(op *core.Operation, st *core.AgentState) {
		st.CurrentTask = nil
		st.LastError = ""
		st.Progress.Current += units
		op.Progress.Current += units
		opProgress = op.Progress
	})
	r.publish(ctx, core.TaskCompleted{AgentID: agentID, OperationID: spec.OperationID, TaskID: spec.ID, Duration: dur})
	if spec.OperationID != "" {
		r.publish(ctx, core.ProgressUpdated{OperationID: spec.OperationID, AgentID: agentID, Current: opProgress.Current, Total: opProgress.Total})
	}
	r.opts.Logger.Debug("Task completed", "agent_id", agentID, "task_id", spec.ID, "duration", dur)

	return &core.TaskResult{
		TaskID:      spec.ID,
		AgentID:     agentID,
		OperationID: spec.OperationID,
		Output:      out,
		StartedAt:   started,
		Duration:    dur,
	}, nil
}

func (r *Runtime) execute(ctx context.Context, w agent.Worker, spec core.TaskSpec) (out map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.opts.Logger.Error("Worker panicked", "task_id", spec.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("worker panic: %v", p)
		}
	}()
	return w.Execute(ctx, spec)
}

// ReportStatus returns the agent's status, progress and health. Terminated
// agents keep reporting from the registry's tombstone.
func (r *Runtime) ReportStatus(ctx context.Context, agentID string) (*StatusReport, error) {
	a, err := r.reg.Get(agentID)
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{
		AgentID:       agentID,
		Status:        a.Status,
		CurrentTask:   a.CurrentTask,
		LastHeartbeat: a.LastHeartbeat,
	}

	r.mu.Lock()
	in, live := r.agents[agentID]
	r.mu.Unlock()
	if live {
		rep.Progress, rep.LastError = in.snapshot()
		rep.QueueDepth = r.bus.QueueDepth(agentID)
	}
	if a.OperationID != "" {
		if op, err := state.ReadOperation(ctx, r.store, a.OperationID); err == nil {
			if st, ok := op.Agents[agentID]; ok {
				rep.Progress = st.Progress
				rep.LastError = st.LastError
			}
		}
	}
	rep.Health = healthOf(a.Status, rep.LastError)
	return rep, nil
}

// HandleMessage applies a directive to the agent.
func (r *Runtime) HandleMessage(ctx context.Context, agentID string, msg core.Message) error {
	switch m := msg.(type) {
	case core.SuspendMessage:
		return r.setStatus(ctx, agentID, core.AgentSuspended)
	case core.ResumeMessage:
		return r.setStatus(ctx, agentID, core.AgentActive)
	case core.ShutdownMessage:
		r.opts.Logger.Info("Shutdown requested", "agent_id", agentID, "reason", m.Reason)
		return r.Cleanup(ctx, agentID)
	case core.PingMessage:
		return r.reg.Heartbeat(ctx, agentID)
	case core.EventMessage:
		return r.handleEvent(ctx, agentID, m.Event)
	case nil:
		return &core.ConfigurationError{Field: "message", Reason: "must not be nil"}
	default:
		return &core.ConfigurationError{Field: "message", Reason: fmt.Sprintf("unsupported message type %q", msg.MessageType())}
	}
}

// HandleRawMessage decodes a (type, payload) pair and applies it.
func (r *Runtime) HandleRawMessage(ctx context.Context, agentID string, t core.MessageType, data json.RawMessage) error {
	msg, err := core.DecodeMessage(t, data)
	if err != nil {
		return err
	}
	return r.HandleMessage(ctx, agentID, msg)
}

func (r *Runtime) handleEvent(ctx context.Context, agentID string, ev core.Event) error {
	in, err := r.instance(agentID)
	if err != nil {
		return err
	}
	w := in.cfg.Worker

	switch p := ev.Payload.(type) {
	case core.ElectionStarted:
		profile, ok := in.cfg.Profile, true
		if b, isBidder := w.(agent.Bidder); isBidder {
			profile, ok = b.Bid(ctx, p)
		}
		if !ok {
			return nil
		}
		_, err := r.bus.Publish(ctx, core.ElectionBid{ElectionID: p.ElectionID, AgentID: agentID, Profile: profile}, agentID)
		return err
	case core.ConsensusRequested:
		v, isVoter := w.(agent.Voter)
		if !isVoter {
			return nil
		}
		vote, ok := v.Vote(ctx, p)
		if !ok {
			return nil
		}
		_, err := r.bus.Publish(ctx, core.ConsensusVoteCast{ConsensusID: p.ConsensusID, AgentID: agentID, Vote: vote}, agentID)
		return err
	case core.Shutdown:
		return r.Cleanup(ctx, agentID)
	}
	if h, ok := w.(agent.EventHandler); ok {
		return h.HandleEvent(ctx, ev)
	}
	return nil
}

func (r *Runtime) setStatus(ctx context.Context, agentID string, to core.AgentStatus) error {
	in, err := r.instance(agentID)
	if err != nil {
		return err
	}
	if err := r.reg.Transition(ctx, agentID, to); err != nil {
		return err
	}
	r.updateAgentState(ctx, in.cfg.OperationID, agentID, func(_ *core.Operation, st *core.AgentState) {
		st.Status = to
	})
	return nil
}

// Cleanup stops the agent's heartbeat and subscription, stops its worker,
// deregisters it and frees its pool slot. Cleaning up an agent that is
// already terminated returns nil. A registered agent hosted elsewhere is
// deregistered.
func (r *Runtime) Cleanup(ctx context.Context, agentID string) error {
	r.mu.Lock()
	in, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return r.deregisterRemote(ctx, agentID)
	}
	defer r.pool.Release(1)
	// Teardown runs to completion even when called from a subscription
	// handler whose context is cancelled by the Unsubscribe below.
	ctx = context.WithoutCancel(ctx)

	in.cancel()
	<-in.done
	r.bus.Unsubscribe(agentID)

	var errs []error
	if lc, ok := in.cfg.Worker.(agent.Lifecycle); ok {
		if err := lc.Stop(ctx); err != nil && !errors.Is(err, agent.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("stop worker: %w", err))
		}
	}
	if err := r.reg.Deregister(ctx, agentID); err != nil {
		errs = append(errs, err)
	}
	r.updateAgentState(ctx, in.cfg.OperationID, agentID, func(_ *core.Operation, st *core.AgentState) {
		st.Status = core.AgentTerminated
		st.CurrentTask = nil
	})
	metrics.SetActiveAgents(r.count())
	r.opts.Logger.Info("Agent cleaned up", "agent_id", agentID)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cleanup %s: %w", agentID, err)
	}
	return nil
}

func (r *Runtime) deregisterRemote(ctx context.Context, agentID string) error {
	a, err := r.reg.Get(agentID)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", agentID, err)
	}
	if a.Status == core.AgentTerminated {
		return nil
	}
	if err := r.reg.Deregister(ctx, agentID); err != nil {
		return fmt.Errorf("cleanup %s: %w", agentID, err)
	}
	r.updateAgentState(ctx, a.OperationID, agentID, func(_ *core.Operation, st *core.AgentState) {
		st.Status = core.AgentTerminated
		st.CurrentTask = nil
	})
	r.opts.Logger.Info("Agent deregistered", "agent_id", agentID, "hosted", false)
	return nil
}

// CleanupAll cleans up every live agent concurrently.
func (r *Runtime) CleanupAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range r.Agents() {
		id := id
		g.Go(func() error { return r.Cleanup(ctx, id) })
	}
	return g.Wait()
}

// Agents returns the ids of live agents in sorted order.
func (r *Runtime) Agents() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Runtime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

func (r *Runtime) instance(agentID string) (*instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, core.ErrAgentNotFound)
	}
	return in, nil
}

// updateAgentState applies fn to the agent's slice of an operation document.
// Failures are logged: the operation document is a projection and must not
// fail the agent operation that triggered it.
func (r *Runtime) updateAgentState(ctx context.Context, operationID, agentID string, fn func(op *core.Operation, st *core.AgentState)) {
	if operationID == "" {
		return
	}
	_, err := state.UpdateOperation(ctx, r.store, operationID, agentID, func(op *core.Operation) error {
		op.UpdateAgent(agentID, func(st *core.AgentState) { fn(op, st) })
		return nil
	})
	if err != nil {
		r.opts.Logger.Warn("Operation update failed", "operation_id", operationID, "agent_id", agentID, "error", err)
	}
}

func (r *Runtime) audit(ctx context.Context, operationID, agentID, detail string) {
	if operationID == "" {
		return
	}
	if err := r.store.AppendAudit(ctx, core.AuditEntry{
		OperationID: operationID,
		Kind:        core.AuditAgentError,
		Actor:       agentID,
		Subject:     agentID,
		Detail:      detail,
		At:          time.Now().UTC(),
	}); err != nil {
		r.opts.Logger.Warn("Audit append failed", "agent_id", agentID, "error", err)
	}
}

func (r *Runtime) publish(ctx context.Context, p core.Payload) {
	if _, err := r.bus.Publish(ctx, p, "runtime"); err != nil {
		r.opts.Logger.Warn("Runtime event not published", "event_type", string(p.EventType()), "error", err)
	}
}
