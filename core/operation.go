package core

import "time"

// OperationStatus is the lifecycle state of a coordinated operation.
type OperationStatus string

const (
	OperationInitializing OperationStatus = "initializing"
	OperationRunning      OperationStatus = "running"
	OperationPaused       OperationStatus = "paused"
	OperationCompleted    OperationStatus = "completed"
	OperationFailed       OperationStatus = "failed"
	OperationRolledBack   OperationStatus = "rolled_back"
)

var operationTransitions = map[OperationStatus]map[OperationStatus]struct{}{
	OperationInitializing: {
		OperationRunning: {},
		OperationFailed:  {},
	},
	OperationRunning: {
		OperationPaused:    {},
		OperationCompleted: {},
		OperationFailed:    {},
	},
	OperationPaused: {
		OperationRunning:   {},
		OperationCompleted: {},
		OperationFailed:    {},
	},
	OperationCompleted: {
		OperationRolledBack: {},
	},
	OperationFailed: {
		OperationRolledBack: {},
	},
	OperationRolledBack: {},
}

// CanTransitionTo reports whether the operation lifecycle allows s -> to.
func (s OperationStatus) CanTransitionTo(to OperationStatus) bool {
	next, ok := operationTransitions[s]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether the operation is finished and archived.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationRolledBack
}

// Progress is a simple current/total counter.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Fraction returns Current/Total clamped to [0,1]; zero when Total is unset.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Current) / float64(p.Total)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// AgentState is an agent's slice of an operation document.
type AgentState struct {
	Status      AgentStatus `json:"status"`
	CurrentTask *TaskRef    `json:"current_task,omitempty"`
	Progress    Progress    `json:"progress"`
	// LastError is the most recent unresolved error reported for the agent.
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Operation is the shared, versioned document for one coordinated workflow.
// It is only ever mutated through a StateStore update.
type Operation struct {
	ID         string                `json:"operationId"`
	Status     OperationStatus       `json:"status"`
	Agents     map[string]AgentState `json:"agents"`
	Progress   Progress              `json:"progress"`
	Metrics    map[string]float64    `json:"metrics"`
	CreatedAt  time.Time             `json:"createdAt"`
	UpdatedAt  time.Time             `json:"updatedAt"`
	UpdatedBy  string                `json:"updatedBy"`
	ArchivedAt *time.Time            `json:"archivedAt,omitempty"`
}

// NewOperation returns an initializing operation expecting total units of work.
func NewOperation(id string, total int) *Operation {
	now := time.Now().UTC()
	return &Operation{
		ID:        id,
		Status:    OperationInitializing,
		Agents:    map[string]AgentState{},
		Progress:  Progress{Total: total},
		Metrics:   map[string]float64{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdateAgent applies fn to the agent's state, creating the entry if needed.
func (o *Operation) UpdateAgent(agentID string, fn func(*AgentState)) {
	if o.Agents == nil {
		o.Agents = map[string]AgentState{}
	}
	st := o.Agents[agentID]
	fn(&st)
	st.UpdatedAt = time.Now().UTC()
	o.Agents[agentID] = st
}

// Errors returns the unresolved error per agent.
func (o *Operation) Errors() map[string]string {
	out := map[string]string{}
	for id, st := range o.Agents {
		if st.LastError != "" {
			out[id] = st.LastError
		}
	}
	return out
}
