package runtime

import (
	"math"
	"strings"
	"time"

	"github.com/hupe1980/swarmkit/agent"
	"github.com/hupe1980/swarmkit/core"
)

// AgentConfig is what Initialize needs to bring an agent up.
type AgentConfig struct {
	Type         core.AgentType        `json:"type" yaml:"type" toml:"type"`
	Capabilities []string              `json:"capabilities" yaml:"capabilities" toml:"capabilities"`
	OperationID  string                `json:"operation_id,omitempty" yaml:"operation_id" toml:"operation_id"`
	Profile      core.CandidateProfile `json:"profile" yaml:"profile" toml:"profile"`
	// HeartbeatInterval overrides the runtime default.
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	// Subscriptions lists extra event types forwarded to the worker's
	// agent.EventHandler.
	Subscriptions []core.EventType `json:"subscriptions,omitempty" yaml:"subscriptions" toml:"subscriptions"`

	Worker agent.Worker `json:"-" yaml:"-" toml:"-"`
}

// Validate reports the first invalid field as a ConfigurationError.
func (c AgentConfig) Validate() error {
	switch {
	case strings.TrimSpace(string(c.Type)) == "":
		return &core.ConfigurationError{Field: "type", Reason: "must not be empty"}
	case c.Worker == nil:
		return &core.ConfigurationError{Field: "worker", Reason: "must not be nil"}
	case c.HeartbeatInterval < 0:
		return &core.ConfigurationError{Field: "heartbeat_interval", Reason: "must not be negative"}
	case !core.InUnitRange(c.Profile.Reliability):
		return &core.ConfigurationError{Field: "profile.reliability", Reason: "must be within [0,1]"}
	case !nonNegative(c.Profile.Requirements.CPU) || !nonNegative(c.Profile.Requirements.MemoryMB):
		return &core.ConfigurationError{Field: "profile.requirements", Reason: "must be finite and not negative"}
	}
	if strings.Contains(c.OperationID, "/") {
		return &core.ConfigurationError{Field: "operation_id", Reason: "must not contain /"}
	}
	return nil
}

func nonNegative(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 }

// Health summarises an agent for status reports.
type Health string

const (
	HealthHealthy      Health = "healthy"
	HealthDegraded     Health = "degraded"
	HealthUnresponsive Health = "unresponsive"
	HealthTerminated   Health = "terminated"
)

// StatusReport is the answer to ReportStatus.
type StatusReport struct {
	AgentID       string           `json:"agentId"`
	Status        core.AgentStatus `json:"status"`
	Progress      core.Progress    `json:"progress"`
	Health        Health           `json:"health"`
	CurrentTask   *core.TaskRef    `json:"currentTask,omitempty"`
	LastHeartbeat time.Time        `json:"lastHeartbeat"`
	LastError     string           `json:"lastError,omitempty"`
	QueueDepth    int              `json:"queueDepth"`
}

func healthOf(status core.AgentStatus, lastError string) Health {
	switch status {
	case core.AgentTerminated:
		return HealthTerminated
	case core.AgentUnresponsive:
		return HealthUnresponsive
	case core.AgentSuspended:
		return HealthDegraded
	}
	if lastError != "" {
		return HealthDegraded
	}
	return HealthHealthy
}
