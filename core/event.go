package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names a kind of bus event.
type EventType string

const (
	EventAgentRegistered    EventType = "AGENT_REGISTERED"
	EventAgentStatusChanged EventType = "AGENT_STATUS_CHANGED"
	EventAgentUnresponsive  EventType = "AGENT_UNRESPONSIVE"
	EventAgentDeregistered  EventType = "AGENT_DEREGISTERED"
	EventTaskAssigned       EventType = "TASK_ASSIGNED"
	EventTaskCompleted      EventType = "TASK_COMPLETED"
	EventTaskFailed         EventType = "TASK_FAILED"
	EventProgressUpdated    EventType = "PROGRESS_UPDATED"
	EventElectionStarted    EventType = "ELECTION_STARTED"
	EventElectionBid        EventType = "ELECTION_BID"
	EventLeaderElected      EventType = "LEADER_ELECTED"
	EventConsensusRequested EventType = "CONSENSUS_REQUESTED"
	EventConsensusVote      EventType = "CONSENSUS_VOTE"
	EventConsensusReached   EventType = "CONSENSUS_REACHED"
	EventShutdown           EventType = "SHUTDOWN"
)

// EventCategory groups event types for routing and retention.
type EventCategory string

const (
	CategoryAgent        EventCategory = "agent"
	CategoryTask         EventCategory = "task"
	CategoryCoordination EventCategory = "coordination"
	CategorySystem       EventCategory = "system"
	CategoryCustom       EventCategory = "custom"
)

var builtinCategories = map[EventType]EventCategory{
	EventAgentRegistered:    CategoryAgent,
	EventAgentStatusChanged: CategoryAgent,
	EventAgentUnresponsive:  CategoryAgent,
	EventAgentDeregistered:  CategoryAgent,
	EventTaskAssigned:       CategoryTask,
	EventTaskCompleted:      CategoryTask,
	EventTaskFailed:         CategoryTask,
	EventProgressUpdated:    CategoryTask,
	EventElectionStarted:    CategoryCoordination,
	EventElectionBid:        CategoryCoordination,
	EventLeaderElected:      CategoryCoordination,
	EventConsensusRequested: CategoryCoordination,
	EventConsensusVote:      CategoryCoordination,
	EventConsensusReached:   CategoryCoordination,
	EventShutdown:           CategorySystem,
}

// BuiltinEventTypes returns the event types every bus accepts by default
// together with their categories.
func BuiltinEventTypes() map[EventType]EventCategory {
	out := make(map[EventType]EventCategory, len(builtinCategories))
	for t, c := range builtinCategories {
		out[t] = c
	}
	return out
}

// Payload is the closed set of event bodies. Only types declared in this
// package implement it; unknown wire types decode to Custom.
type Payload interface {
	EventType() EventType
	Validate() error
	payload()
}

// AgentRegistered announces a new agent.
type AgentRegistered struct {
	AgentID      string    `json:"agent_id"`
	AgentType    AgentType `json:"agent_type"`
	Capabilities []string  `json:"capabilities"`
}

// AgentStatusChanged records a registry state-machine transition.
type AgentStatusChanged struct {
	AgentID string      `json:"agent_id"`
	From    AgentStatus `json:"from"`
	To      AgentStatus `json:"to"`
}

// AgentUnresponsiveEvent is raised when an agent misses its heartbeat deadline.
type AgentUnresponsiveEvent struct {
	AgentID       string        `json:"agent_id"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Timeout       time.Duration `json:"timeout"`
}

// AgentDeregistered announces that an agent was terminated.
type AgentDeregistered struct {
	AgentID string `json:"agent_id"`
}

// TaskAssigned is published when an agent picks up a task.
type TaskAssigned struct {
	AgentID     string `json:"agent_id"`
	OperationID string `json:"operation_id,omitempty"`
	TaskID      string `json:"task_id"`
	Name        string `json:"name"`
}

// TaskCompleted is published when a task finishes successfully.
type TaskCompleted struct {
	AgentID     string        `json:"agent_id"`
	OperationID string        `json:"operation_id,omitempty"`
	TaskID      string        `json:"task_id"`
	Duration    time.Duration `json:"duration"`
}

// TaskFailed is published when a task returns an error.
type TaskFailed struct {
	AgentID     string `json:"agent_id"`
	OperationID string `json:"operation_id,omitempty"`
	TaskID      string `json:"task_id"`
	Error       string `json:"error"`
}

// ProgressUpdated reports an operation progress change.
type ProgressUpdated struct {
	OperationID string `json:"operation_id"`
	AgentID     string `json:"agent_id,omitempty"`
	Current     int    `json:"current"`
	Total       int    `json:"total"`
}

// ElectionStarted asks candidates to submit a bid.
type ElectionStarted struct {
	ElectionID  string    `json:"election_id"`
	OperationID string    `json:"operation_id"`
	Candidates  []string  `json:"candidates"`
	Deadline    time.Time `json:"deadline"`
}

// ElectionBid is a candidate's response to ElectionStarted.
type ElectionBid struct {
	ElectionID string           `json:"election_id"`
	AgentID    string           `json:"agent_id"`
	Profile    CandidateProfile `json:"profile"`
}

// LeaderElected announces the outcome of an election.
type LeaderElected struct {
	ElectionID  string         `json:"election_id"`
	OperationID string         `json:"operation_id"`
	Leader      string         `json:"leader"`
	Score       float64        `json:"score"`
	Status      ElectionStatus `json:"status"`
}

// ConsensusRequested asks participants to vote on a topic.
type ConsensusRequested struct {
	ConsensusID  string    `json:"consensus_id"`
	OperationID  string    `json:"operation_id"`
	Topic        string    `json:"topic"`
	Participants []string  `json:"participants"`
	Threshold    float64   `json:"threshold"`
	Deadline     time.Time `json:"deadline"`
}

// ConsensusVoteCast carries a participant's ballot.
type ConsensusVoteCast struct {
	ConsensusID string `json:"consensus_id"`
	AgentID     string `json:"agent_id"`
	Vote        Vote   `json:"vote"`
}

// ConsensusReached announces the outcome of a consensus round.
type ConsensusReached struct {
	ConsensusID      string          `json:"consensus_id"`
	OperationID      string          `json:"operation_id"`
	Topic            string          `json:"topic"`
	Result           ConsensusResult `json:"result"`
	WeightedApproval float64         `json:"weighted_approval"`
	Status           ConsensusStatus `json:"status"`
}

// Shutdown makes a subscription loop exit after delivery.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}

// Custom carries an application-defined event type. The type must be
// registered with the bus before it can be published.
type Custom struct {
	Type EventType       `json:"-"`
	Data json.RawMessage `json:"-"`
}

func (AgentRegistered) EventType() EventType        { return EventAgentRegistered }
func (AgentStatusChanged) EventType() EventType     { return EventAgentStatusChanged }
func (AgentUnresponsiveEvent) EventType() EventType { return EventAgentUnresponsive }
func (AgentDeregistered) EventType() EventType      { return EventAgentDeregistered }
func (TaskAssigned) EventType() EventType           { return EventTaskAssigned }
func (TaskCompleted) EventType() EventType          { return EventTaskCompleted }
func (TaskFailed) EventType() EventType             { return EventTaskFailed }
func (ProgressUpdated) EventType() EventType        { return EventProgressUpdated }
func (ElectionStarted) EventType() EventType        { return EventElectionStarted }
func (ElectionBid) EventType() EventType            { return EventElectionBid }
func (LeaderElected) EventType() EventType          { return EventLeaderElected }
func (ConsensusRequested) EventType() EventType     { return EventConsensusRequested }
func (ConsensusVoteCast) EventType() EventType      { return EventConsensusVote }
func (ConsensusReached) EventType() EventType       { return EventConsensusReached }
func (Shutdown) EventType() EventType               { return EventShutdown }
func (c Custom) EventType() EventType               { return c.Type }

func (AgentRegistered) payload()        {}
func (AgentStatusChanged) payload()     {}
func (AgentUnresponsiveEvent) payload() {}
func (AgentDeregistered) payload()      {}
func (TaskAssigned) payload()           {}
func (TaskCompleted) payload()          {}
func (TaskFailed) payload()             {}
func (ProgressUpdated) payload()        {}
func (ElectionStarted) payload()        {}
func (ElectionBid) payload()            {}
func (LeaderElected) payload()          {}
func (ConsensusRequested) payload()     {}
func (ConsensusVoteCast) payload()      {}
func (ConsensusReached) payload()       {}
func (Shutdown) payload()               {}
func (Custom) payload()                 {}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func (p AgentRegistered) Validate() error        { return requireField("agent_id", p.AgentID) }
func (p AgentStatusChanged) Validate() error     { return requireField("agent_id", p.AgentID) }
func (p AgentUnresponsiveEvent) Validate() error { return requireField("agent_id", p.AgentID) }
func (p AgentDeregistered) Validate() error      { return requireField("agent_id", p.AgentID) }
func (p TaskAssigned) Validate() error {
	return errors.Join(requireField("agent_id", p.AgentID), requireField("task_id", p.TaskID))
}
func (p TaskCompleted) Validate() error {
	return errors.Join(requireField("agent_id", p.AgentID), requireField("task_id", p.TaskID))
}
func (p TaskFailed) Validate() error {
	return errors.Join(requireField("agent_id", p.AgentID), requireField("task_id", p.TaskID))
}
func (p ProgressUpdated) Validate() error {
	if err := requireField("operation_id", p.OperationID); err != nil {
		return err
	}
	if p.Current < 0 || p.Total < 0 {
		return errors.New("progress must not be negative")
	}
	return nil
}
func (p ElectionStarted) Validate() error {
	if err := requireField("election_id", p.ElectionID); err != nil {
		return err
	}
	if len(p.Candidates) == 0 {
		return errors.New("candidates are required")
	}
	return nil
}
func (p ElectionBid) Validate() error {
	return errors.Join(requireField("election_id", p.ElectionID), requireField("agent_id", p.AgentID))
}
func (p LeaderElected) Validate() error { return requireField("election_id", p.ElectionID) }
func (p ConsensusRequested) Validate() error {
	if err := requireField("consensus_id", p.ConsensusID); err != nil {
		return err
	}
	if len(p.Participants) == 0 {
		return errors.New("participants are required")
	}
	return nil
}
func (p ConsensusVoteCast) Validate() error {
	if err := errors.Join(requireField("consensus_id", p.ConsensusID), requireField("agent_id", p.AgentID)); err != nil {
		return err
	}
	if !p.Vote.Choice.Valid() {
		return fmt.Errorf("unknown vote %q", p.Vote.Choice)
	}
	if !InUnitRange(p.Vote.Confidence) {
		return fmt.Errorf("confidence %v outside [0,1]", p.Vote.Confidence)
	}
	return nil
}
func (p ConsensusReached) Validate() error { return requireField("consensus_id", p.ConsensusID) }
func (Shutdown) Validate() error           { return nil }
func (c Custom) Validate() error {
	if err := requireField("type", string(c.Type)); err != nil {
		return err
	}
	if len(c.Data) > 0 && !json.Valid(c.Data) {
		return errors.New("custom data is not valid JSON")
	}
	return nil
}

// Event is the immutable unit of communication on the bus.
type Event struct {
	ID        string
	Type      EventType
	Category  EventCategory
	Payload   Payload
	Source    string
	Targets   []string
	Timestamp time.Time
}

// NewEvent wraps payload in an event authored by source.
func NewEvent(payload Payload, source string, category EventCategory) Event {
	return Event{
		ID:        NewID(),
		Type:      payload.EventType(),
		Category:  category,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// NewID generates a new unique identifier for events, rounds and tasks.
func NewID() string { return uuid.NewString() }

// IsTargeted reports whether the event is addressed to agentID. Events
// without explicit targets are broadcast.
func (e Event) IsTargeted(agentID string) bool {
	if len(e.Targets) == 0 {
		return true
	}
	for _, t := range e.Targets {
		if t == agentID {
			return true
		}
	}
	return false
}

type wireEvent struct {
	ID        string          `json:"eventId"`
	Type      EventType       `json:"eventType"`
	Category  EventCategory   `json:"eventCategory"`
	Data      json.RawMessage `json:"eventData"`
	Source    string          `json:"eventSource"`
	Targets   []string        `json:"targets,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarshalJSON renders the persisted event representation.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := MarshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		Category:  e.Category,
		Data:      data,
		Source:    e.Source,
		Targets:   e.Targets,
		Timestamp: e.Timestamp,
	})
}

// UnmarshalJSON decodes the persisted event representation.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*e = Event{
		ID:        w.ID,
		Type:      w.Type,
		Category:  w.Category,
		Payload:   p,
		Source:    w.Source,
		Targets:   w.Targets,
		Timestamp: w.Timestamp,
	}
	return nil
}

// MarshalPayload encodes a payload body. Custom payloads are emitted verbatim.
func MarshalPayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage("null"), nil
	}
	if c, ok := p.(Custom); ok {
		if len(c.Data) == 0 {
			return json.RawMessage("null"), nil
		}
		return c.Data, nil
	}
	return json.Marshal(p)
}

// DecodePayload decodes the body of a wire event. Built-in types decode to
// their concrete payload; anything else becomes Custom.
func DecodePayload(t EventType, data json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventAgentRegistered:
		p = &AgentRegistered{}
	case EventAgentStatusChanged:
		p = &AgentStatusChanged{}
	case EventAgentUnresponsive:
		p = &AgentUnresponsiveEvent{}
	case EventAgentDeregistered:
		p = &AgentDeregistered{}
	case EventTaskAssigned:
		p = &TaskAssigned{}
	case EventTaskCompleted:
		p = &TaskCompleted{}
	case EventTaskFailed:
		p = &TaskFailed{}
	case EventProgressUpdated:
		p = &ProgressUpdated{}
	case EventElectionStarted:
		p = &ElectionStarted{}
	case EventElectionBid:
		p = &ElectionBid{}
	case EventLeaderElected:
		p = &LeaderElected{}
	case EventConsensusRequested:
		p = &ConsensusRequested{}
	case EventConsensusVote:
		p = &ConsensusVoteCast{}
	case EventConsensusReached:
		p = &ConsensusReached{}
	case EventShutdown:
		p = &Shutdown{}
	default:
		return Custom{Type: t, Data: append(json.RawMessage(nil), data...)}, nil
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *AgentRegistered:
		return *v
	case *AgentStatusChanged:
		return *v
	case *AgentUnresponsiveEvent:
		return *v
	case *AgentDeregistered:
		return *v
	case *TaskAssigned:
		return *v
	case *TaskCompleted:
		return *v
	case *TaskFailed:
		return *v
	case *ProgressUpdated:
		return *v
	case *ElectionStarted:
		return *v
	case *ElectionBid:
		return *v
	case *LeaderElected:
		return *v
	case *ConsensusRequested:
		return *v
	case *ConsensusVoteCast:
		return *v
	case *ConsensusReached:
		return *v
	case *Shutdown:
		return *v
	default:
		return p
	}
}

// PublishOptions tunes a single Publish call.
type PublishOptions struct {
	// Targets restricts delivery to the named subscribers.
	Targets []string
}

// PublishOption mutates PublishOptions.
type PublishOption func(o *PublishOptions)

// To restricts delivery to the given agent ids.
func To(agentIDs ...string) PublishOption {
	return func(o *PublishOptions) { o.Targets = append(o.Targets, agentIDs...) }
}

// Publisher is the write side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, payload Payload, source string, opts ...PublishOption) (string, error)
}
