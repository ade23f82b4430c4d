package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		err  bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{" error ", LogLevelError, false},
		{"verbose", LogLevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	assert.Equal(t, LogLevelDebug, LevelFromEnv(LogLevelError))

	t.Setenv(EnvLogLevel, "nonsense")
	assert.Equal(t, LogLevelError, LevelFromEnv(LogLevelError))
}

func TestSwarmLogger_ContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf})

	l.WithComponent("bus").WithOperation("op-1").WithAgent("a-1").WithContext("k", "v").
		Info("hello", "attempt", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "bus", rec["component"])
	assert.Equal(t, "op-1", rec["operation_id"])
	assert.Equal(t, "a-1", rec["agent_id"])
	assert.Equal(t, "v", rec["k"])
	assert.EqualValues(t, 2, rec["attempt"])
}

func TestSwarmLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	l.LogLockWait("op-1", time.Millisecond, 1, nil)
	assert.Empty(t, buf.String())

	l.LogDelivery("TASK_ASSIGNED", "a-1", 3, errors.New("boom"))
	assert.Contains(t, buf.String(), "Event delivery failed")
	assert.Contains(t, buf.String(), "boom")
}

func TestSwarmLogger_WithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})
	_ = parent.WithContext("child", true)

	parent.Info("plain")
	assert.NotContains(t, buf.String(), "child")
}

func TestSwarmLogger_ErrorWithStack(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelError, Format: "json", Output: &buf})

	l.ErrorWithStack(errors.New("lock lost"), "Update failed", "key", "op-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "lock lost", rec["error"])
	assert.Equal(t, "*errors.errorString", rec["error_type"])
	assert.Contains(t, rec["stack_trace"], "TestSwarmLogger_ErrorWithStack")
}

func TestZerologAdapter(t *testing.T) {
	var buf bytes.Buffer
	z := NewConsoleLogger("swarmkit", LogLevelInfo, &buf)

	z.Debug("hidden")
	z.Info("elected", "leader", "a-2", "score", 45.0, "err", errors.New("none"))
	z.Warn("dangling", "key")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "elected")
	assert.Contains(t, out, "a-2")
	assert.True(t, strings.Contains(out, "BADKEY"))
}

func TestOrNoOp(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, OrNoOp(nil))
	l := NewDefaultSlogLogger()
	assert.Same(t, l, OrNoOp(l))
}

type recordingLogger struct {
	NoOpLogger
	warns []string
}

func (r *recordingLogger) Warn(msg string, _ ...any) { r.warns = append(r.warns, msg) }

func TestDomainHelpers_FallBackToPlainLogger(t *testing.T) {
	r := &recordingLogger{}
	LockWait(r, "op-1", time.Second, 3, errors.New("timeout"))
	Delivery(r, "TASK_FAILED", "a-1", 2, errors.New("handler"))
	assert.Equal(t, []string{"Lock acquisition failed", "Event delivery failed"}, r.warns)
}

func TestDomainHelpers_UseSwarmLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})

	Election(l, "e-1", "a-2", "completed", 3, time.Millisecond)
	Consensus(l, "c-1", "deploy", "rejected", 0.425, 4, time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, `"election_id":"e-1"`)
	assert.Contains(t, out, `"weighted_approval":0.425`)
}
