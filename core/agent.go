package core

import (
	"sort"
	"strings"
	"time"
)

// AgentType categorizes an agent by the role it plays in a swarm.
type AgentType string

const (
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeArchitect   AgentType = "architect"
	AgentTypeCoder       AgentType = "coder"
	AgentTypeResearcher  AgentType = "researcher"
	AgentTypeReviewer    AgentType = "reviewer"
	AgentTypeTester      AgentType = "tester"
	AgentTypeAnalyst     AgentType = "analyst"
	AgentTypeMonitor     AgentType = "monitor"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentActive       AgentStatus = "active"
	AgentSuspended    AgentStatus = "suspended"
	AgentUnresponsive AgentStatus = "unresponsive"
	AgentTerminated   AgentStatus = "terminated"
)

var agentTransitions = map[AgentStatus]map[AgentStatus]struct{}{
	AgentInitializing: {
		AgentActive:     {},
		AgentTerminated: {},
	},
	AgentActive: {
		AgentSuspended:    {},
		AgentUnresponsive: {},
		AgentTerminated:   {},
	},
	AgentSuspended: {
		AgentActive:       {},
		AgentUnresponsive: {},
		AgentTerminated:   {},
	},
	AgentUnresponsive: {
		AgentActive:     {}, // heartbeat recovery
		AgentTerminated: {},
	},
	AgentTerminated: {},
}

// CanTransitionTo reports whether the agent state machine allows s -> to.
func (s AgentStatus) CanTransitionTo(to AgentStatus) bool {
	next, ok := agentTransitions[s]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsResponsive reports whether an agent in this status is expected to answer
// coordination requests.
func (s AgentStatus) IsResponsive() bool {
	return s == AgentActive || s == AgentSuspended
}

// TaskRef identifies the task an agent is currently working on.
type TaskRef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OperationID string    `json:"operation_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// ResourceRequirements describes what an agent needs to run.
type ResourceRequirements struct {
	CPU      float64 `json:"cpu" yaml:"cpu" toml:"cpu"`
	MemoryMB float64 `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`
}

// CandidateProfile is the self-description an agent submits when bidding
// in a leader election.
type CandidateProfile struct {
	Role         AgentType            `json:"role"`
	Requirements ResourceRequirements `json:"requirements"`
	Reliability  float64              `json:"reliability"`
	ResponseTime time.Duration        `json:"response_time"`
}

// Agent is the registry's record of a single worker.
type Agent struct {
	ID            string           `json:"id"`
	Type          AgentType        `json:"type"`
	Capabilities  []string         `json:"capabilities"`
	Status        AgentStatus      `json:"status"`
	CurrentTask   *TaskRef         `json:"current_task,omitempty"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	RegisteredAt  time.Time        `json:"registered_at"`
	Seq           uint64           `json:"seq"`
	OperationID   string           `json:"operation_id,omitempty"`
	Profile       CandidateProfile `json:"profile"`
}

// HasCapability reports whether the agent advertises capability c.
func (a *Agent) HasCapability(c string) bool {
	i := sort.SearchStrings(a.Capabilities, c)
	return i < len(a.Capabilities) && a.Capabilities[i] == c
}

// Clone returns a deep copy safe for independent mutation.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.CurrentTask != nil {
		t := *a.CurrentTask
		cp.CurrentTask = &t
	}
	return &cp
}

// NormalizeCapabilities trims, de-duplicates and sorts a capability list so
// it can be treated as a set.
func NormalizeCapabilities(caps []string) []string {
	seen := make(map[string]struct{}, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
