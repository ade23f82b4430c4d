// Package swarmkit is the high-level facade over the coordination engine.
// Most applications:
//  1. create a SwarmKit via New or FromConfig,
//  2. Start it and open an operation,
//  3. Spawn agents whose workers execute tasks, bid in elections and vote
//     in consensus rounds,
//  4. Shutdown when done.
//
// Defaults keep every piece of state in memory; setting StorePath (or
// store.path in a config file) switches to a durable SQLite store.
package swarmkit

import (
	"context"
	"io"
	"time"

	"github.com/hupe1980/swarmkit/config"
	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/election"
	"github.com/hupe1980/swarmkit/engine"
	"github.com/hupe1980/swarmkit/logging"
	"github.com/hupe1980/swarmkit/runtime"
)

// Options configures the SwarmKit instance.
type Options struct {
	// EngineConfig tunes the engine (pool size, timeouts, store path).
	EngineConfig engine.Config

	// Store overrides the backend selected by EngineConfig.StorePath.
	Store core.Store

	// Scorer ranks election candidates (defaults to election.DefaultScorer).
	Scorer election.Scorer

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// SwarmKit aggregates the engine behind a small API.
type SwarmKit struct {
	engine *engine.Engine
}

// New creates a SwarmKit instance with optional overrides.
func New(optFns ...func(o *Options)) (*SwarmKit, error) {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	eng, err := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Store = opts.Store
		o.Scorer = opts.Scorer
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}
	return &SwarmKit{engine: eng}, nil
}

// FromConfig builds a SwarmKit from a loaded config file, logging to w.
func FromConfig(cfg config.Config, w io.Writer) (*SwarmKit, error) {
	return New(func(o *Options) {
		o.EngineConfig = cfg.Engine()
		o.Logger = cfg.Logger(w)
	})
}

// Engine exposes the underlying engine.
func (s *SwarmKit) Engine() *engine.Engine { return s.engine }

// Start launches the background services.
func (s *SwarmKit) Start(ctx context.Context) error { return s.engine.Start(ctx) }

// Shutdown cleans up all agents and releases every resource.
func (s *SwarmKit) Shutdown(ctx context.Context) error { return s.engine.Shutdown(ctx) }

// StartOperation opens a running operation expecting total units of work.
func (s *SwarmKit) StartOperation(ctx context.Context, operationID string, total int) (*core.Operation, error) {
	return s.engine.StartOperation(ctx, operationID, total)
}

// CompleteOperation marks the operation completed and archives it.
func (s *SwarmKit) CompleteOperation(ctx context.Context, operationID string) (*core.Operation, error) {
	return s.engine.SetOperationStatus(ctx, operationID, core.OperationCompleted)
}

// Operation returns the operation document.
func (s *SwarmKit) Operation(ctx context.Context, operationID string) (*core.Operation, error) {
	return s.engine.Operation(ctx, operationID)
}

// Audit returns the operation's audit trail.
func (s *SwarmKit) Audit(ctx context.Context, operationID string) ([]core.AuditEntry, error) {
	return s.engine.Audit(ctx, operationID)
}

// Spawn initializes a hosted agent.
func (s *SwarmKit) Spawn(ctx context.Context, agentID string, cfg runtime.AgentConfig) error {
	return s.engine.Runtime().Initialize(ctx, agentID, cfg)
}

// ExecuteTask runs a task on a hosted agent.
func (s *SwarmKit) ExecuteTask(ctx context.Context, agentID string, task core.TaskSpec) (*core.TaskResult, error) {
	return s.engine.Runtime().ExecuteTask(ctx, agentID, task)
}

// ReportStatus returns a hosted agent's status report.
func (s *SwarmKit) ReportStatus(ctx context.Context, agentID string) (*runtime.StatusReport, error) {
	return s.engine.Runtime().ReportStatus(ctx, agentID)
}

// Send delivers a directive to a hosted agent.
func (s *SwarmKit) Send(ctx context.Context, agentID string, msg core.Message) error {
	return s.engine.Runtime().HandleMessage(ctx, agentID, msg)
}

// Cleanup terminates a hosted agent.
func (s *SwarmKit) Cleanup(ctx context.Context, agentID string) error {
	return s.engine.Runtime().Cleanup(ctx, agentID)
}

// Elect runs a leader election. A zero timeout uses the configured default.
func (s *SwarmKit) Elect(ctx context.Context, operationID string, candidates []string, timeout time.Duration) (*core.ElectionRecord, error) {
	return s.engine.Elect(ctx, operationID, candidates, timeout)
}

// Leader returns the operation's current leader.
func (s *SwarmKit) Leader(operationID string) (string, bool) { return s.engine.Leader(operationID) }

// BuildConsensus runs a weighted vote. A zero timeout uses the configured default.
func (s *SwarmKit) BuildConsensus(ctx context.Context, operationID, topic string, participants []string, threshold float64, timeout time.Duration) (*core.ConsensusRecord, error) {
	return s.engine.BuildConsensus(ctx, operationID, topic, participants, threshold, timeout)
}

// Checkpoint snapshots the operation so it can be rolled back later.
func (s *SwarmKit) Checkpoint(ctx context.Context, operationID, description string) (*core.RecoveryPoint, error) {
	return s.engine.CreateRecoveryPoint(ctx, operationID, description)
}

// Rollback restores a failed or completed operation to a recovery point.
func (s *SwarmKit) Rollback(ctx context.Context, operationID, recoveryPointID string) (*core.Operation, error) {
	return s.engine.RollbackOperation(ctx, operationID, recoveryPointID)
}

// Guard runs fn and rolls the operation back automatically when it fails.
func (s *SwarmKit) Guard(ctx context.Context, operationID, description string, fn func(ctx context.Context) error) error {
	return s.engine.ExecuteWithRollback(ctx, operationID, description, fn)
}

// EmergencyStop pauses all running operations and suspends active agents.
func (s *SwarmKit) EmergencyStop(ctx context.Context, reason string) error {
	return s.engine.EmergencyStop(ctx, reason)
}

// Status summarizes operations, agents and recovery points.
func (s *SwarmKit) Status(ctx context.Context) (*engine.StatusReport, error) {
	return s.engine.Status(ctx)
}
