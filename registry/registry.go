// Package registry tracks agent identity, capabilities and liveness.
//
// Every status change follows core.AgentStatus.CanTransitionTo, is published
// on the bus as AGENT_STATUS_CHANGED and appended to the audit trail of the
// agent's operation. Agents whose heartbeat is older than
// Options.HeartbeatTimeout are marked unresponsive by CheckHeartbeats and
// announced with AGENT_UNRESPONSIVE; a later heartbeat makes them active again.
// Deregistered agents are kept as terminated tombstones.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/logging"
	"github.com/hupe1980/swarmkit/metrics"
)

// Options configures a Registry.
type Options struct {
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
	// Clock returns the current time; tests inject a fake.
	Clock  func() time.Time
	Audit  core.AuditLog
	Logger logging.Logger
}

// DefaultOptions returns the registry defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatTimeout: 15 * time.Second,
		CheckInterval:    time.Second,
		Clock:            time.Now,
		Logger:           logging.NoOpLogger{},
	}
}

// Registry is the authoritative, concurrency safe record of agents.
type Registry struct {
	opts Options
	pub  core.Publisher

	mu     sync.RWMutex
	agents map[string]*core.Agent
	seq    uint64
}

// New creates a Registry that announces changes through pub (may be nil).
func New(pub core.Publisher, optFns ...func(o *Options)) *Registry {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Registry{opts: opts, pub: pub, agents: make(map[string]*core.Agent)}
}

// HeartbeatTimeout returns the configured liveness threshold.
func (r *Registry) HeartbeatTimeout() time.Duration { return r.opts.HeartbeatTimeout }

func (r *Registry) now() time.Time { return r.opts.Clock().UTC() }

// Register adds agent in status initializing. A terminated tombstone with
// the same id is replaced; any other existing agent is an error.
func (r *Registry) Register(ctx context.Context, agent core.Agent) error {
	if strings.TrimSpace(agent.ID) == "" {
		return &core.ConfigurationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if agent.Type == "" {
		return &core.ConfigurationError{Field: "agent_type", Reason: "must not be empty"}
	}

	r.mu.Lock()
	if cur, ok := r.agents[agent.ID]; ok && cur.Status != core.AgentTerminated {
		r.mu.Unlock()
		return fmt.Errorf("register %s: %w", agent.ID, core.ErrAgentExists)
	}
	now := r.now()
	r.seq++
	a := agent.Clone()
	a.Capabilities = core.NormalizeCapabilities(agent.Capabilities)
	a.Status = core.AgentInitializing
	a.CurrentTask = nil
	a.RegisteredAt = now
	a.LastHeartbeat = now
	a.Seq = r.seq
	if a.Profile.Role == "" {
		a.Profile.Role = a.Type
	}
	r.agents[a.ID] = a
	snapshot := a.Clone()
	r.mu.Unlock()

	r.opts.Logger.Info("Agent registered", "agent_id", a.ID, "agent_type", string(a.Type), "seq", a.Seq)
	r.publish(ctx, core.AgentRegistered{AgentID: snapshot.ID, AgentType: snapshot.Type, Capabilities: snapshot.Capabilities})
	return nil
}

// Heartbeat refreshes the agent's liveness. An unresponsive agent recovers
// to active.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat %s: %w", agentID, core.ErrAgentNotFound)
	}
	if a.Status == core.AgentTerminated {
		r.mu.Unlock()
		return &core.TransitionError{Subject: "agent " + agentID, From: string(a.Status), To: "heartbeat"}
	}
	a.LastHeartbeat = r.now()
	var change *core.AgentStatusChanged
	if a.Status == core.AgentUnresponsive {
		change = &core.AgentStatusChanged{AgentID: agentID, From: a.Status, To: core.AgentActive}
		a.Status = core.AgentActive
	}
	opID := a.OperationID
	r.mu.Unlock()

	if change != nil {
		r.recordTransition(ctx, opID, *change, "heartbeat recovery")
	}
	return nil
}

// GetStatus returns the agent's current status.
func (r *Registry) GetStatus(agentID string) (core.AgentStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return "", fmt.Errorf("status %s: %w", agentID, core.ErrAgentNotFound)
	}
	return a.Status, nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", agentID, core.ErrAgentNotFound)
	}
	return a.Clone(), nil
}

// List returns copies of all agents, including tombstones, in registration order.
func (r *Registry) List() []*core.Agent {
	r.mu.RLock()
	out := make([]*core.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Responsive returns the ids among candidates whose agents are registered
// and responsive, preserving input order. Unknown ids are reported in missing.
func (r *Registry) Responsive(candidates []string) (ok []string, missing []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range candidates {
		a, found := r.agents[id]
		switch {
		case !found:
			missing = append(missing, id)
		case a.Status.IsResponsive():
			ok = append(ok, id)
		}
	}
	return ok, missing
}

// Transition moves the agent to status to if the state machine allows it.
func (r *Registry) Transition(ctx context.Context, agentID string, to core.AgentStatus) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("transition %s: %w", agentID, core.ErrAgentNotFound)
	}
	from := a.Status
	if !from.CanTransitionTo(to) {
		r.mu.Unlock()
		return &core.TransitionError{Subject: "agent " + agentID, From: string(from), To: string(to)}
	}
	a.Status = to
	if to == core.AgentActive {
		a.LastHeartbeat = r.now()
	}
	if to == core.AgentTerminated {
		a.CurrentTask = nil
	}
	opID := a.OperationID
	r.mu.Unlock()

	r.recordTransition(ctx, opID, core.AgentStatusChanged{AgentID: agentID, From: from, To: to}, "")
	return nil
}

// SetCurrentTask records the task the agent is working on; nil clears it.
func (r *Registry) SetCurrentTask(agentID string, task *core.TaskRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("set task %s: %w", agentID, core.ErrAgentNotFound)
	}
	if task != nil {
		t := *task
		task = &t
	}
	a.CurrentTask = task
	return nil
}

// Deregister terminates the agent and announces AGENT_DEREGISTERED. It is a
// no-op for agents that are already terminated.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	status, err := r.GetStatus(agentID)
	if err != nil {
		return err
	}
	if status == core.AgentTerminated {
		return nil
	}
	if err := r.Transition(ctx, agentID, core.AgentTerminated); err != nil {
		return err
	}
	r.publish(ctx, core.AgentDeregistered{AgentID: agentID})
	return nil
}

// CheckHeartbeats marks responsive agents whose last heartbeat is older than
// the timeout as unresponsive and returns their ids.
func (r *Registry) CheckHeartbeats(ctx context.Context) []string {
	now := r.now()
	type miss struct {
		id, opID string
		last     time.Time
		from     core.AgentStatus
	}
	var misses []miss

	r.mu.Lock()
	for _, a := range r.agents {
		if !a.Status.IsResponsive() {
			continue
		}
		if now.Sub(a.LastHeartbeat) <= r.opts.HeartbeatTimeout {
			continue
		}
		misses = append(misses, miss{id: a.ID, opID: a.OperationID, last: a.LastHeartbeat, from: a.Status})
		a.Status = core.AgentUnresponsive
	}
	r.mu.Unlock()

	sort.Slice(misses, func(i, j int) bool { return misses[i].id < misses[j].id })
	ids := make([]string, 0, len(misses))
	for _, m := range misses {
		uerr := &core.AgentUnresponsiveError{AgentID: m.id, LastHeartbeat: m.last, Timeout: r.opts.HeartbeatTimeout}
		r.opts.Logger.Warn("Agent unresponsive", "agent_id", m.id, "error", uerr)
		r.recordTransition(ctx, m.opID, core.AgentStatusChanged{AgentID: m.id, From: m.from, To: core.AgentUnresponsive}, uerr.Error())
		r.publish(ctx, core.AgentUnresponsiveEvent{AgentID: m.id, LastHeartbeat: m.last, Timeout: r.opts.HeartbeatTimeout})
		ids = append(ids, m.id)
	}
	return ids
}

// Start runs CheckHeartbeats every CheckInterval until ctx is done.
func (r *Registry) Start(ctx context.Context) {
	if r.opts.CheckInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckHeartbeats(ctx)
			}
		}
	}()
}

func (r *Registry) recordTransition(ctx context.Context, opID string, change core.AgentStatusChanged, detail string) {
	metrics.RecordAgentTransition(string(change.From), string(change.To))
	r.opts.Logger.Info("Agent status changed", "agent_id", change.AgentID, "from", string(change.From), "to", string(change.To))
	if r.opts.Audit != nil {
		if detail == "" {
			detail = fmt.Sprintf("%s -> %s", change.From, change.To)
		}
		err := r.opts.Audit.AppendAudit(ctx, core.AuditEntry{
			OperationID: opID,
			Kind:        core.AuditAgentStatus,
			Actor:       "registry",
			Subject:     change.AgentID,
			Detail:      detail,
			At:          r.now(),
		})
		if err != nil {
			r.opts.Logger.Warn("Audit append failed", "agent_id", change.AgentID, "error", err)
		}
	}
	r.publish(ctx, change)
}

func (r *Registry) publish(ctx context.Context, p core.Payload) {
	if r.pub == nil {
		return
	}
	if _, err := r.pub.Publish(ctx, p, "registry"); err != nil {
		r.opts.Logger.Warn("Registry event not published", "event_type", string(p.EventType()), "error", err)
	}
}
