// Package metrics exposes SwarmKit's Prometheus collectors. Collectors are
// registered on the default registry the first time any Record* helper runs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "swarmkit"

var (
	registerOnce sync.Once

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events accepted by the bus.",
		},
		[]string{"type", "category"},
	)
	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Event deliveries to subscribers.",
		},
		[]string{"type", "success"},
	)
	eventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_rejected_total",
			Help:      "Events rejected at publish time.",
		},
		[]string{"type", "reason"},
	)
	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dead_letters_total",
			Help:      "Events moved to the dead-letter list after exhausting delivery attempts.",
		},
		[]string{"type"},
	)
	lockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a state key lock.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"outcome"},
	)
	stateUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "updates_total",
			Help:      "Locked state updates by outcome.",
		},
		[]string{"outcome"},
	)
	elections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "rounds_total",
			Help:      "Finalized leader elections by status.",
		},
		[]string{"status"},
	)
	electionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "duration_seconds",
			Help:      "Leader election duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	consensusRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "rounds_total",
			Help:      "Finalized consensus rounds by status and result.",
		},
		[]string{"status", "result"},
	)
	agentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "agent_transitions_total",
			Help:      "Agent status transitions.",
		},
		[]string{"from", "to"},
	)
	activeAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "active_agents",
			Help:      "Agents currently holding a runtime pool slot.",
		},
	)
	tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "tasks_total",
			Help:      "Executed tasks by outcome.",
		},
		[]string{"outcome"},
	)
	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rollbacks_total",
			Help:      "Operation rollbacks to a recovery point by outcome.",
		},
		[]string{"outcome"},
	)
)

// RegisterMetrics registers every collector once on the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			eventsPublished, eventsDelivered, eventsRejected, deadLetters,
			lockWait, stateUpdates,
			elections, electionDuration, consensusRounds,
			agentTransitions, activeAgents, tasks, rollbacks,
		)
	})
}

func RecordPublished(eventType, category string) {
	RegisterMetrics()
	eventsPublished.WithLabelValues(eventType, category).Inc()
}

func RecordDelivery(eventType string, success bool) {
	RegisterMetrics()
	eventsDelivered.WithLabelValues(eventType, boolLabel(success)).Inc()
}

func RecordRejected(eventType, reason string) {
	RegisterMetrics()
	eventsRejected.WithLabelValues(eventType, reason).Inc()
}

func RecordDeadLetter(eventType string) {
	RegisterMetrics()
	deadLetters.WithLabelValues(eventType).Inc()
}

// RecordLockWait observes a lock acquisition attempt. timedOut marks waits
// that ended in a LockTimeoutError.
func RecordLockWait(wait time.Duration, timedOut bool) {
	RegisterMetrics()
	outcome := "acquired"
	if timedOut {
		outcome = "timeout"
	}
	lockWait.WithLabelValues(outcome).Observe(wait.Seconds())
}

func RecordStateUpdate(success bool) {
	RegisterMetrics()
	outcome := "committed"
	if !success {
		outcome = "aborted"
	}
	stateUpdates.WithLabelValues(outcome).Inc()
}

func RecordElection(status string, duration time.Duration) {
	RegisterMetrics()
	elections.WithLabelValues(status).Inc()
	electionDuration.Observe(duration.Seconds())
}

func RecordConsensus(status, result string) {
	RegisterMetrics()
	consensusRounds.WithLabelValues(status, result).Inc()
}

func RecordAgentTransition(from, to string) {
	RegisterMetrics()
	agentTransitions.WithLabelValues(from, to).Inc()
}

// SetActiveAgents reports the number of occupied runtime pool slots.
func SetActiveAgents(n int) {
	RegisterMetrics()
	activeAgents.Set(float64(n))
}

func RecordTask(success bool) {
	RegisterMetrics()
	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	tasks.WithLabelValues(outcome).Inc()
}

func RecordRollback(success bool) {
	RegisterMetrics()
	outcome := "restored"
	if !success {
		outcome = "failed"
	}
	rollbacks.WithLabelValues(outcome).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
