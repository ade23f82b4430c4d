package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/swarmkit/core"
	"github.com/hupe1980/swarmkit/logging"
)

// HookType names the lifecycle point a Hook runs at.
//
// Hooks run synchronously on the goroutine that triggered them. A hook
// returning an error from HookBeforeOperationStatus vetoes the transition;
// errors from the other points are logged and otherwise ignored.
type HookType string

const (
	// HookBeforeOperationStatus runs before an operation status change is
	// written.
	HookBeforeOperationStatus HookType = "before_operation_status"

	// HookAfterOperationStatus runs after an operation status change was
	// committed and audited.
	HookAfterOperationStatus HookType = "after_operation_status"

	// HookAgentUnresponsive runs once per operation an unresponsive agent
	// belongs to, after the error was written into the operation document.
	HookAgentUnresponsive HookType = "agent_unresponsive"
)

// HookContext carries what a Hook may inspect.
type HookContext struct {
	Type        HookType
	OperationID string
	AgentID     string
	From        core.OperationStatus
	To          core.OperationStatus
	// Err is set for HookAgentUnresponsive.
	Err error
}

// Hook is a callback bound to one HookType.
type Hook interface {
	Type() HookType
	Execute(ctx context.Context, hc *HookContext) error
}

// FunctionHook adapts a plain function to Hook.
type FunctionHook struct {
	hookType HookType
	fn       func(ctx context.Context, hc *HookContext) error
}

// NewFunctionHook binds fn to t.
func NewFunctionHook(t HookType, fn func(ctx context.Context, hc *HookContext) error) *FunctionHook {
	return &FunctionHook{hookType: t, fn: fn}
}

func (h *FunctionHook) Type() HookType { return h.hookType }

func (h *FunctionHook) Execute(ctx context.Context, hc *HookContext) error {
	return h.fn(ctx, hc)
}

// LoggingHook writes one Info line per invocation.
type LoggingHook struct {
	hookType HookType
	logger   logging.Logger
}

// NewLoggingHook returns a hook that logs every t invocation to logger.
func NewLoggingHook(t HookType, logger logging.Logger) *LoggingHook {
	return &LoggingHook{hookType: t, logger: logging.OrNoOp(logger)}
}

func (h *LoggingHook) Type() HookType { return h.hookType }

func (h *LoggingHook) Execute(_ context.Context, hc *HookContext) error {
	args := []any{"hook", string(hc.Type), "operation_id", hc.OperationID}
	if hc.AgentID != "" {
		args = append(args, "agent_id", hc.AgentID)
	}
	if hc.To != "" {
		args = append(args, "from", string(hc.From), "to", string(hc.To))
	}
	if hc.Err != nil {
		args = append(args, "error", hc.Err)
	}
	h.logger.Info("Engine hook", args...)
	return nil
}

// hookSet holds registered hooks by type, in registration order.
type hookSet struct {
	mu    sync.RWMutex
	hooks map[HookType][]Hook
}

func newHookSet() *hookSet {
	return &hookSet{hooks: make(map[HookType][]Hook)}
}

func (hs *hookSet) add(h Hook) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.hooks[h.Type()] = append(hs.hooks[h.Type()], h)
}

// run executes the hooks for hc.Type and stops at the first error.
func (hs *hookSet) run(ctx context.Context, hc *HookContext) error {
	hs.mu.RLock()
	hooks := append([]Hook(nil), hs.hooks[hc.Type]...)
	hs.mu.RUnlock()

	for _, h := range hooks {
		if err := h.Execute(ctx, hc); err != nil {
			return err
		}
	}
	return nil
}
