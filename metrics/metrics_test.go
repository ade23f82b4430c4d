package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordPublished("TASK_ASSIGNED", "task")
	RecordDelivery("TASK_ASSIGNED", true)
	RecordRejected("UNKNOWN_TYPE", "unregistered")
	RecordDeadLetter("TASK_ASSIGNED")
	RecordLockWait(2*time.Millisecond, false)
	RecordStateUpdate(true)
	RecordElection("completed", 40*time.Millisecond)
	RecordConsensus("completed", "approved")
	RecordAgentTransition("active", "unresponsive")
	SetActiveAgents(3)
	RecordTask(false)
	RecordRollback(true)
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(deadLetters.WithLabelValues("CUSTOM_DL"))
	RecordDeadLetter("CUSTOM_DL")
	RecordDeadLetter("CUSTOM_DL")
	assert.Equal(t, before+2, testutil.ToFloat64(deadLetters.WithLabelValues("CUSTOM_DL")))

	SetActiveAgents(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(activeAgents))
}
