package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/state"
)

// EmergencyStop pauses every running operation and suspends every active
// hosted agent. Until ResetEmergencyStop is called no operation can be
// started or resumed.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	e.stopMu.Lock()
	e.stopped = true
	e.stopReason = reason
	e.stopMu.Unlock()
	e.logger.Warn("Emergency stop", "reason", reason)

	var errs []error
	ids, err := e.Operations(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		op, err := state.ReadOperation(ctx, e.store, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if op.Status != core.OperationRunning {
			continue
		}
		if _, err := e.transition(ctx, id, core.OperationPaused, nil); err != nil && !errors.Is(err, core.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("pause %s: %w", id, err))
			continue
		}
		e.appendAudit(ctx, core.AuditEntry{
			OperationID: id,
			Kind:        core.AuditEmergencyStop,
			Actor:       subscriberID,
			Subject:     id,
			Detail:      reason,
		})
	}

	for _, agentID := range e.runtime.Agents() {
		status, err := e.registry.GetStatus(agentID)
		if err != nil || status != core.AgentActive {
			continue
		}
		if err := e.runtime.HandleMessage(ctx, agentID, core.SuspendMessage{Reason: reason}); err != nil && !errors.Is(err, core.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("suspend %s: %w", agentID, err))
		}
	}
	return errors.Join(errs...)
}

// ResetEmergencyStop lifts the stop. Paused operations and suspended agents
// stay as they are until resumed explicitly.
func (e *Engine) ResetEmergencyStop() {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if e.stopped {
		e.logger.Info("Emergency stop reset", "reason", e.stopReason)
	}
	e.stopped = false
	e.stopReason = ""
}

// EmergencyStopped reports whether an emergency stop is active and why.
func (e *Engine) EmergencyStopped() (bool, string) {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	return e.stopped, e.stopReason
}

func (e *Engine) checkEmergencyStop() error {
	if stopped, reason := e.EmergencyStopped(); stopped {
		return fmt.Errorf("%w: %s", core.ErrEmergencyStop, reason)
	}
	return nil
}

// StatusReport summarizes the engine's state.
type StatusReport struct {
	Operations     map[core.OperationStatus]int `json:"operations"`
	Agents         map[core.AgentStatus]int     `json:"agents"`
	RecoveryPoints int                          `json:"recovery_points"`
	DeadLetters    int                          `json:"dead_letters"`
	EmergencyStop  bool                         `json:"emergency_stop"`
	StopReason     string                       `json:"stop_reason,omitempty"`
}

// Status counts operations and registered agents by status.
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	keys, err := e.store.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	rep := &StatusReport{
		Operations:  map[core.OperationStatus]int{},
		Agents:      map[core.AgentStatus]int{},
		DeadLetters: len(e.bus.DeadLetters()),
	}
	for _, key := range keys {
		if state.Scope(key) == key {
			op, err := state.ReadOperation(ctx, e.store, key)
			if err != nil {
				return nil, err
			}
			rep.Operations[op.Status]++
			continue
		}
		if strings.HasPrefix(key, state.RecoveryKey(state.Scope(key), "")) {
			rep.RecoveryPoints++
		}
	}
	for _, a := range e.registry.List() {
		rep.Agents[a.Status]++
	}
	rep.EmergencyStop, rep.StopReason = e.EmergencyStopped()
	return rep, nil
}
