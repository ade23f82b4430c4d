package testutil

import (
	"time"

	"github.com/hupe1980/swarmkit/core"
)

// AgentBuilder helps construct agents with fluent chaining for tests.
// Example:
//
//	a := NewAgentBuilder("coder-1").Type(core.AgentTypeCoder).Capabilities("go").Reliability(0.9).Build()
type AgentBuilder struct {
	agent core.Agent
}

// NewAgentBuilder creates a builder for a coder agent with the given id.
func NewAgentBuilder(id string) *AgentBuilder {
	return &AgentBuilder{agent: core.Agent{
		ID:   id,
		Type: core.AgentTypeCoder,
		Profile: core.CandidateProfile{
			Role:         core.AgentTypeCoder,
			Reliability:  0.5,
			ResponseTime: 500 * time.Millisecond,
		},
	}}
}

// Type sets the agent type and its candidate role (chainable).
func (b *AgentBuilder) Type(t core.AgentType) *AgentBuilder {
	b.agent.Type = t
	b.agent.Profile.Role = t
	return b
}

// Capabilities appends capabilities (chainable).
func (b *AgentBuilder) Capabilities(caps ...string) *AgentBuilder {
	b.agent.Capabilities = append(b.agent.Capabilities, caps...)
	return b
}

// Operation binds the agent to an operation (chainable).
func (b *AgentBuilder) Operation(id string) *AgentBuilder {
	b.agent.OperationID = id
	return b
}

// Reliability sets the candidate reliability in [0,1] (chainable).
func (b *AgentBuilder) Reliability(r float64) *AgentBuilder {
	b.agent.Profile.Reliability = r
	return b
}

// ResponseTime sets the candidate's typical response time (chainable).
func (b *AgentBuilder) ResponseTime(d time.Duration) *AgentBuilder {
	b.agent.Profile.ResponseTime = d
	return b
}

// Resources sets the candidate's resource requirements (chainable).
func (b *AgentBuilder) Resources(cpu, memoryMB float64) *AgentBuilder {
	b.agent.Profile.Requirements = core.ResourceRequirements{CPU: cpu, MemoryMB: memoryMB}
	return b
}

// Build returns the agent value.
func (b *AgentBuilder) Build() core.Agent {
	a := b.agent
	a.Capabilities = append([]string(nil), b.agent.Capabilities...)
	return a
}
