package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. The typed errors below unwrap to one of these so callers
// can branch with errors.Is and inspect details with errors.As.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrLockTimeout       = errors.New("lock timeout")
	ErrEventDelivery     = errors.New("event delivery error")
	ErrElectionTimeout   = errors.New("election timeout")
	ErrConsensusTimeout  = errors.New("consensus timeout")
	ErrAgentUnresponsive = errors.New("agent unresponsive")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentExists       = errors.New("agent already registered")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStateNotFound     = errors.New("state entry not found")
	ErrOperationExists   = errors.New("operation already exists")
	ErrRecordNotFound    = errors.New("record not found")
	ErrNoCandidates      = errors.New("no eligible candidates")
	ErrRoundClosed       = errors.New("round already finalized")
	ErrDuplicateVote     = errors.New("duplicate vote")
	ErrNotParticipant    = errors.New("not a participant")
	ErrClosed            = errors.New("closed")

	ErrCorruptRecoveryPoint = errors.New("recovery point failed integrity check")
	ErrEmergencyStop        = errors.New("emergency stop active")
)

// ConfigurationError reports invalid agent configuration or an unknown
// event/message type.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// LockTimeoutError reports that the exclusive lock on a state key could not
// be acquired within the bounded wait, after all retries.
type LockTimeoutError struct {
	Key      string
	Timeout  time.Duration
	Attempts int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: key %q not acquired within %s after %d attempt(s)", e.Key, e.Timeout, e.Attempts)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// EventDeliveryError reports a malformed or unroutable event.
type EventDeliveryError struct {
	EventType EventType
	Reason    string
	Err       error
}

func (e *EventDeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event delivery error: %s: %s: %v", e.EventType, e.Reason, e.Err)
	}
	return fmt.Sprintf("event delivery error: %s: %s", e.EventType, e.Reason)
}

func (e *EventDeliveryError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrEventDelivery, e.Err}
	}
	return []error{ErrEventDelivery}
}

// ElectionTimeoutError describes an election that expired without every
// candidate responding. It is recorded on the ElectionRecord, not returned.
type ElectionTimeoutError struct {
	ElectionID string
	Responded  int
	Expected   int
}

func (e *ElectionTimeoutError) Error() string {
	return fmt.Sprintf("election %s timed out: %d/%d candidates responded", e.ElectionID, e.Responded, e.Expected)
}

func (e *ElectionTimeoutError) Unwrap() error { return ErrElectionTimeout }

// ConsensusTimeoutError describes a consensus round that expired with
// partial participation. It is recorded on the ConsensusRecord, not returned.
type ConsensusTimeoutError struct {
	ConsensusID string
	Votes       int
	Expected    int
}

func (e *ConsensusTimeoutError) Error() string {
	return fmt.Sprintf("consensus %s timed out: %d/%d votes received", e.ConsensusID, e.Votes, e.Expected)
}

func (e *ConsensusTimeoutError) Unwrap() error { return ErrConsensusTimeout }

// AgentUnresponsiveError reports a heartbeat miss beyond the threshold.
type AgentUnresponsiveError struct {
	AgentID       string
	LastHeartbeat time.Time
	Timeout       time.Duration
}

func (e *AgentUnresponsiveError) Error() string {
	return fmt.Sprintf("agent %s unresponsive: no heartbeat since %s (timeout %s)",
		e.AgentID, e.LastHeartbeat.Format(time.RFC3339), e.Timeout)
}

func (e *AgentUnresponsiveError) Unwrap() error { return ErrAgentUnresponsive }

// TaskError wraps a failure returned by an agent's task handler.
type TaskError struct {
	AgentID string
	TaskID  string
	Err     error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s on agent %s failed: %v", e.TaskID, e.AgentID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// TransitionError reports a state-machine violation.
type TransitionError struct {
	Subject string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s -> %s", e.Subject, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
