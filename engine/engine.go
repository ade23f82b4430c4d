package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/swarmkit/bus"
	"github.com/hupe1980/swarmkit/consensus"
	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/election"
	"github.com/hupe1980/swarmkit/logging"
	"github.com/hupe1980/swarmkit/registry"
	"github.com/hupe1980/swarmkit/runtime"
	"github.com/hupe1980/swarmkit/state"
)

// subscriberID is the engine's own bus identity.
const subscriberID = "engine"

// Config holds the engine's tuning parameters.
//
// Durations left at zero fall back to the component defaults. StorePath
// selects the persistence backend: empty keeps everything in memory, any
// other value opens (or creates) a SQLite database at that path.
type Config struct {
	// StorePath is the SQLite database file. Empty selects the in-memory store.
	StorePath string

	// MaxAgents bounds the number of agents hosted concurrently.
	MaxAgents int64

	// HeartbeatInterval is how often hosted agents heartbeat.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the silence after which an agent is unresponsive.
	HeartbeatTimeout time.Duration
	// CheckInterval is how often heartbeats are checked.
	CheckInterval time.Duration

	// LockTimeout bounds the wait for a state key's lock.
	LockTimeout time.Duration

	ElectionTimeout  time.Duration
	ConsensusTimeout time.Duration
	TaskTimeout      time.Duration

	// MaxDeliveryAttempts bounds redelivery before an event is dead-lettered.
	MaxDeliveryAttempts int
	// EventTTL is the retention of the durable event log.
	EventTTL time.Duration
	// JanitorInterval is how often expired events and recovery points are
	// pruned.
	JanitorInterval time.Duration
	// RecoveryRetention is how long recovery points are kept. Zero keeps
	// them forever.
	RecoveryRetention time.Duration
}

// DefaultConfig is safe for a single process deployment.
var DefaultConfig = Config{
	MaxAgents:           16,
	HeartbeatInterval:   2 * time.Second,
	HeartbeatTimeout:    15 * time.Second,
	CheckInterval:       time.Second,
	LockTimeout:         2 * time.Second,
	ElectionTimeout:     5 * time.Second,
	ConsensusTimeout:    10 * time.Second,
	MaxDeliveryAttempts: 3,
	EventTTL:            24 * time.Hour,
	JanitorInterval:     5 * time.Minute,
	RecoveryRetention:   30 * 24 * time.Hour,
}

// Validate rejects negative or inconsistent settings.
func (c Config) Validate() error {
	durations := map[string]time.Duration{
		"heartbeat_interval": c.HeartbeatInterval,
		"heartbeat_timeout":  c.HeartbeatTimeout,
		"check_interval":     c.CheckInterval,
		"lock_timeout":       c.LockTimeout,
		"election_timeout":   c.ElectionTimeout,
		"consensus_timeout":  c.ConsensusTimeout,
		"task_timeout":       c.TaskTimeout,
		"event_ttl":          c.EventTTL,
		"janitor_interval":   c.JanitorInterval,
		"recovery_retention": c.RecoveryRetention,
	}
	for field, d := range durations {
		if d < 0 {
			return &core.ConfigurationError{Field: field, Reason: "must not be negative"}
		}
	}
	if c.MaxAgents < 0 {
		return &core.ConfigurationError{Field: "max_agents", Reason: "must not be negative"}
	}
	if c.MaxDeliveryAttempts < 0 {
		return &core.ConfigurationError{Field: "max_delivery_attempts", Reason: "must not be negative"}
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatTimeout > 0 && c.HeartbeatInterval >= c.HeartbeatTimeout {
		return &core.ConfigurationError{Field: "heartbeat_interval", Reason: "must be shorter than heartbeat_timeout"}
	}
	return nil
}

// Options configures an Engine.
type Options struct {
	Config Config

	// Store overrides the backend selected by Config.StorePath. The engine
	// closes it on Shutdown.
	Store core.Store

	// Scorer ranks election candidates. Defaults to election.DefaultScorer.
	Scorer election.Scorer

	// Clock drives heartbeat expiry and record timestamps; tests inject a fake.
	Clock func() time.Time

	// Logger defaults to a NoOp logger.
	Logger logging.Logger
}

// Engine wires the coordination components together and owns their
// lifecycle. Agents are hosted by the embedded runtime; elections and
// consensus rounds run against the same bus and store.
type Engine struct {
	config Config
	logger logging.Logger

	store     core.Store
	bus       *bus.Bus
	registry  *registry.Registry
	election  *election.Service
	consensus *consensus.Coordinator
	runtime   *runtime.Runtime
	hooks     *hookSet

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	closed  bool

	stopMu     sync.RWMutex
	stopReason string
	stopped    bool
}

// New builds an engine. It fails only when the configuration is invalid or
// the configured store cannot be opened.
func New(optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config
	logger := logging.OrNoOp(opts.Logger)

	store := opts.Store
	if store == nil {
		storeOpts := func(o *state.Options) {
			if cfg.LockTimeout > 0 {
				o.LockTimeout = cfg.LockTimeout
			}
			o.Logger = logger
		}
		if cfg.StorePath == "" {
			store = state.NewMemoryStore(storeOpts)
		} else {
			s, err := state.NewSQLiteStore(cfg.StorePath, storeOpts)
			if err != nil {
				return nil, fmt.Errorf("open store: %w", err)
			}
			store = s
		}
	}

	b := bus.New(func(o *bus.Options) {
		o.Log = store
		o.Logger = logger
		if cfg.MaxDeliveryAttempts > 0 {
			o.MaxDeliveryAttempts = cfg.MaxDeliveryAttempts
		}
		if cfg.EventTTL > 0 {
			o.EventTTL = cfg.EventTTL
		}
		if cfg.JanitorInterval > 0 {
			o.JanitorInterval = cfg.JanitorInterval
		}
	})

	reg := registry.New(b, func(o *registry.Options) {
		o.Audit = store
		o.Logger = logger
		o.Clock = opts.Clock
		if cfg.HeartbeatTimeout > 0 {
			o.HeartbeatTimeout = cfg.HeartbeatTimeout
		}
		if cfg.CheckInterval > 0 {
			o.CheckInterval = cfg.CheckInterval
		}
	})

	elect := election.New(store, reg, b, func(o *election.Options) {
		o.Scorer = opts.Scorer
		o.Logger = logger
		o.Clock = opts.Clock
		if cfg.ElectionTimeout > 0 {
			o.Timeout = cfg.ElectionTimeout
		}
	})

	cons := consensus.New(store, reg, b, func(o *consensus.Options) {
		o.Logger = logger
		o.Clock = opts.Clock
		if cfg.ConsensusTimeout > 0 {
			o.Timeout = cfg.ConsensusTimeout
		}
	})

	rt := runtime.New(reg, b, store, func(o *runtime.Options) {
		o.Logger = logger
		o.TaskTimeout = cfg.TaskTimeout
		if cfg.MaxAgents > 0 {
			o.MaxAgents = cfg.MaxAgents
		}
		if cfg.HeartbeatInterval > 0 {
			o.HeartbeatInterval = cfg.HeartbeatInterval
		}
	})

	return &Engine{
		config:    cfg,
		logger:    logger,
		store:     store,
		bus:       b,
		registry:  reg,
		election:  elect,
		consensus: cons,
		runtime:   rt,
		hooks:     newHookSet(),
	}, nil
}

// Start launches the heartbeat monitor, the event log and recovery point
// janitors, the election and consensus listeners and the propagation of
// unresponsive agents into operation documents. Background work stops when
// ctx is done or on Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.ErrClosed
	}
	if e.started {
		return errors.New("engine already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := e.election.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start election service: %w", err)
	}
	if err := e.consensus.Start(); err != nil {
		e.election.Stop()
		cancel()
		return fmt.Errorf("start consensus coordinator: %w", err)
	}
	types := []core.EventType{core.EventAgentUnresponsive, core.EventAgentStatusChanged}
	if err := e.bus.Subscribe(subscriberID, types, e.handleAgentEvent, bus.Service()); err != nil {
		e.consensus.Stop()
		e.election.Stop()
		cancel()
		return fmt.Errorf("subscribe engine: %w", err)
	}

	e.registry.Start(ctx)
	e.bus.StartJanitor(ctx)
	if e.config.RecoveryRetention > 0 {
		e.wg.Add(1)
		go e.retainRecoveryPoints(ctx)
	}
	e.cancel = cancel
	e.started = true
	e.logger.Info("Engine started", "max_agents", e.config.MaxAgents, "store_path", e.config.StorePath)
	return nil
}

// RegisterHook adds h to the engine's lifecycle hooks.
func (e *Engine) RegisterHook(h Hook) { e.hooks.add(h) }

// Runtime returns the agent runtime, the outward contact surface.
func (e *Engine) Runtime() *runtime.Runtime { return e.runtime }

// Registry returns the agent registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Bus returns the event bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Store returns the engine's store.
func (e *Engine) Store() core.Store { return e.store }

// Elect runs a leader election among candidates for operationID.
func (e *Engine) Elect(ctx context.Context, operationID string, candidates []string, timeout time.Duration) (*core.ElectionRecord, error) {
	return e.election.Elect(ctx, operationID, candidates, timeout)
}

// Leader returns the current leader of operationID.
func (e *Engine) Leader(operationID string) (string, bool) {
	return e.election.Leader(operationID)
}

// BuildConsensus runs a weighted vote among participants.
func (e *Engine) BuildConsensus(ctx context.Context, operationID, topic string, participants []string, threshold float64, timeout time.Duration) (*core.ConsensusRecord, error) {
	return e.consensus.BuildConsensus(ctx, operationID, topic, participants, threshold, timeout)
}

// Shutdown cleans up every hosted agent, stops the background services and
// closes the bus and the store. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	var errs []error
	if err := e.runtime.CleanupAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cleanup agents: %w", err))
	}
	e.bus.Unsubscribe(subscriberID)
	// in-flight re-elections end on cancel and finalize as timeouts
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.consensus.Stop()
	e.election.Stop()
	if err := e.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	e.logger.Info("Engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) handleAgentEvent(ctx context.Context, ev core.Event) error {
	switch p := ev.Payload.(type) {
	case core.AgentUnresponsiveEvent:
		return e.markUnresponsive(ctx, p)
	case core.AgentStatusChanged:
		if p.From == core.AgentUnresponsive && p.To == core.AgentActive {
			return e.markRecovered(ctx, p.AgentID)
		}
	}
	return nil
}

// markUnresponsive writes an AgentUnresponsiveError into every open
// operation the agent belongs to.
func (e *Engine) markUnresponsive(ctx context.Context, p core.AgentUnresponsiveEvent) error {
	uerr := &core.AgentUnresponsiveError{AgentID: p.AgentID, LastHeartbeat: p.LastHeartbeat, Timeout: p.Timeout}
	ops, err := e.operationsOf(ctx, p.AgentID)
	if err != nil {
		return err
	}
	for _, opID := range ops {
		_, err := state.UpdateOperation(ctx, e.store, opID, subscriberID, func(op *core.Operation) error {
			op.UpdateAgent(p.AgentID, func(st *core.AgentState) {
				st.Status = core.AgentUnresponsive
				st.LastError = uerr.Error()
			})
			return nil
		})
		if err != nil {
			e.logger.Warn("Unresponsive agent not recorded", "operation_id", opID, "agent_id", p.AgentID, "error", err)
			continue
		}
		e.appendAudit(ctx, core.AuditEntry{
			OperationID: opID,
			Kind:        core.AuditAgentError,
			Actor:       subscriberID,
			Subject:     p.AgentID,
			Detail:      uerr.Error(),
		})
		if herr := e.hooks.run(ctx, &HookContext{Type: HookAgentUnresponsive, OperationID: opID, AgentID: p.AgentID, Err: uerr}); herr != nil {
			e.logger.Warn("Hook failed", "hook", string(HookAgentUnresponsive), "error", herr)
		}
	}
	return nil
}

// markRecovered clears the unresponsive error after heartbeat recovery.
func (e *Engine) markRecovered(ctx context.Context, agentID string) error {
	ops, err := e.operationsOf(ctx, agentID)
	if err != nil {
		return err
	}
	for _, opID := range ops {
		_, err := state.UpdateOperation(ctx, e.store, opID, subscriberID, func(op *core.Operation) error {
			op.UpdateAgent(agentID, func(st *core.AgentState) {
				if st.Status == core.AgentUnresponsive {
					st.Status = core.AgentActive
					st.LastError = ""
				}
			})
			return nil
		})
		if err != nil {
			e.logger.Warn("Agent recovery not recorded", "operation_id", opID, "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// operationsOf lists the non-terminal operations whose document tracks agentID.
func (e *Engine) operationsOf(ctx context.Context, agentID string) ([]string, error) {
	keys, err := e.store.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	var ops []string
	for _, key := range keys {
		if state.Scope(key) != key {
			continue
		}
		op, err := state.ReadOperation(ctx, e.store, key)
		if err != nil {
			continue
		}
		if _, ok := op.Agents[agentID]; ok && !op.Status.IsTerminal() {
			ops = append(ops, key)
		}
	}
	return ops, nil
}

func (e *Engine) appendAudit(ctx context.Context, entry core.AuditEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Warn("Audit append failed", "operation_id", entry.OperationID, "kind", string(entry.Kind), "error", err)
	}
}
