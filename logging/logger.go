// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer SwarmLogger with contextual
// helpers (component, operation, agent) and domain specific logging helpers
// for locks, elections, consensus rounds and event delivery.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// EnvLogLevel overrides the configured level when set.
const EnvLogLevel = "SWARMKIT_LOG_LEVEL"

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts "debug", "info", "warn"/"warning" or "error" into a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// LevelFromEnv returns the level named by SWARMKIT_LOG_LEVEL, or fallback
// when the variable is unset or invalid.
func LevelFromEnv(fallback LogLevel) LogLevel {
	v, ok := os.LookupEnv(EnvLogLevel)
	if !ok {
		return fallback
	}
	l, err := ParseLevel(v)
	if err != nil {
		return fallback
	}
	return l
}

// Logger defines the minimal logging interface for SwarmKit.
// Args are alternating key/value pairs as in log/slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// SwarmLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods. It should be cheap to copy via With* methods.
type SwarmLogger struct {
	logger      *slog.Logger
	level       LogLevel
	context     map[string]any
	component   string
	operationID string
	agentID     string
}

var _ Logger = (*SwarmLogger)(nil)

// LoggerConfig configures construction of a SwarmLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // json or text
	Output      io.Writer
	AddSource   bool
	Component   string
	CustomAttrs map[string]any
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout, CustomAttrs: map[string]any{}}
}

// NewLogger builds a SwarmLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *SwarmLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	ctx := make(map[string]any, len(cfg.CustomAttrs))
	for k, v := range cfg.CustomAttrs {
		ctx[k] = v
	}
	return &SwarmLogger{logger: slog.New(handler), level: cfg.Level, context: ctx, component: cfg.Component}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SwarmLogger) clone() *SwarmLogger {
	nl := *l
	nl.context = make(map[string]any, len(l.context))
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithContext adds a key/value attribute that will be attached to every log entry.
func (l *SwarmLogger) WithContext(key string, value any) *SwarmLogger {
	nl := l.clone()
	nl.context[key] = value
	return nl
}

// WithComponent sets the logical component (bus, registry, election, ...).
func (l *SwarmLogger) WithComponent(c string) *SwarmLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithOperation attaches an operation identifier.
func (l *SwarmLogger) WithOperation(operationID string) *SwarmLogger {
	nl := l.clone()
	nl.operationID = operationID
	return nl
}

// WithAgent attaches an agent identifier.
func (l *SwarmLogger) WithAgent(agentID string) *SwarmLogger {
	nl := l.clone()
	nl.agentID = agentID
	return nl
}

func (l *SwarmLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+3)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.operationID != "" {
		attrs = append(attrs, slog.String("operation_id", l.operationID))
	}
	if l.agentID != "" {
		attrs = append(attrs, slog.String("agent_id", l.agentID))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *SwarmLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(l.buildAttrs()...)
	r.Add(args...)
	_ = l.logger.Handler().Handle(context.Background(), r)
}

// Debug logs at debug level.
func (l *SwarmLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *SwarmLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *SwarmLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *SwarmLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// ErrorWithStack logs an error plus a runtime stack snapshot.
func (l *SwarmLogger) ErrorWithStack(err error, msg string, args ...any) {
	if l.level > LogLevelError {
		return
	}
	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)
	args = append(args, "error", err.Error(), "error_type", fmt.Sprintf("%T", err), "stack_trace", string(stack[:n]))
	l.log(slog.LevelError, true, msg, args...)
}

// LogLockWait records how long an update waited for a state key's lock.
func (l *SwarmLogger) LogLockWait(key string, wait time.Duration, attempts int, err error) {
	args := []any{"key", key, "wait", wait, "attempts", attempts}
	if err != nil {
		l.log(slog.LevelWarn, l.level <= LogLevelWarn, "Lock acquisition failed", append(args, "error", err.Error())...)
		return
	}
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, "Lock acquired", args...)
}

// LogElection records the outcome of a leader election.
func (l *SwarmLogger) LogElection(electionID, leader, status string, candidates int, dur time.Duration) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, "Election finalized",
		"election_id", electionID, "leader", leader, "status", status, "candidates", candidates, "duration", dur)
}

// LogConsensus records the outcome of a consensus round.
func (l *SwarmLogger) LogConsensus(consensusID, topic, result string, approval float64, votes int, dur time.Duration) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, "Consensus finalized",
		"consensus_id", consensusID, "topic", topic, "result", result,
		"weighted_approval", approval, "votes", votes, "duration", dur)
}

// LogDelivery records one delivery attempt of an event to a subscriber.
func (l *SwarmLogger) LogDelivery(eventType, subscriber string, attempt int, err error) {
	args := []any{"event_type", eventType, "subscriber", subscriber, "attempt", attempt}
	if err != nil {
		l.log(slog.LevelWarn, l.level <= LogLevelWarn, "Event delivery failed", append(args, "error", err.Error())...)
		return
	}
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, "Event delivered", args...)
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}

// DomainLogger is implemented by loggers with dedicated coordination helpers.
// SwarmLogger implements it; other Loggers receive plain key/value records.
type DomainLogger interface {
	LogLockWait(key string, wait time.Duration, attempts int, err error)
	LogElection(electionID, leader, status string, candidates int, dur time.Duration)
	LogConsensus(consensusID, topic, result string, approval float64, votes int, dur time.Duration)
	LogDelivery(eventType, subscriber string, attempt int, err error)
}

var _ DomainLogger = (*SwarmLogger)(nil)

// LockWait logs a lock acquisition through l.
func LockWait(l Logger, key string, wait time.Duration, attempts int, err error) {
	if d, ok := l.(DomainLogger); ok {
		d.LogLockWait(key, wait, attempts, err)
		return
	}
	if err != nil {
		l.Warn("Lock acquisition failed", "key", key, "wait", wait, "attempts", attempts, "error", err)
		return
	}
	l.Debug("Lock acquired", "key", key, "wait", wait, "attempts", attempts)
}

// Election logs a finalized election through l.
func Election(l Logger, electionID, leader, status string, candidates int, dur time.Duration) {
	if d, ok := l.(DomainLogger); ok {
		d.LogElection(electionID, leader, status, candidates, dur)
		return
	}
	l.Info("Election finalized", "election_id", electionID, "leader", leader, "status", status,
		"candidates", candidates, "duration", dur)
}

// Consensus logs a finalized consensus round through l.
func Consensus(l Logger, consensusID, topic, result string, approval float64, votes int, dur time.Duration) {
	if d, ok := l.(DomainLogger); ok {
		d.LogConsensus(consensusID, topic, result, approval, votes, dur)
		return
	}
	l.Info("Consensus finalized", "consensus_id", consensusID, "topic", topic, "result", result,
		"weighted_approval", approval, "votes", votes, "duration", dur)
}

// Delivery logs an event delivery attempt through l.
func Delivery(l Logger, eventType, subscriber string, attempt int, err error) {
	if d, ok := l.(DomainLogger); ok {
		d.LogDelivery(eventType, subscriber, attempt, err)
		return
	}
	if err != nil {
		l.Warn("Event delivery failed", "event_type", eventType, "subscriber", subscriber, "attempt", attempt, "error", err)
		return
	}
	l.Debug("Event delivered", "event_type", eventType, "subscriber", subscriber, "attempt", attempt)
}
