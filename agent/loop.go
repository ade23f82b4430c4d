package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/swarmkit/core"
)

// ErrEscalated may be returned by a loop child to stop the loop early. The
// loop then returns the child's last output and a nil error.
var ErrEscalated = errors.New("worker escalated")

// LoopWorker runs a child worker repeatedly until a predicate is satisfied,
// the child escalates or MaxIterations is reached.
type LoopWorker struct {
	BaseWorker
	child       Worker
	maxIters    int
	interval    time.Duration
	stopOnError bool
	until       func(out map[string]any) bool
}

// LoopOption configures a LoopWorker.
type LoopOption func(*LoopWorker)

// WithMaxIters caps the number of iterations. Default 100.
func WithMaxIters(n int) LoopOption {
	return func(l *LoopWorker) { l.maxIters = n }
}

// WithInterval waits d between iterations.
func WithInterval(d time.Duration) LoopOption {
	return func(l *LoopWorker) { l.interval = d }
}

// WithUntil stops the loop once pred returns true for an iteration's output.
func WithUntil(pred func(out map[string]any) bool) LoopOption {
	return func(l *LoopWorker) { l.until = pred }
}

// WithContinueOnError keeps looping after a failed iteration.
func WithContinueOnError() LoopOption {
	return func(l *LoopWorker) { l.stopOnError = false }
}

// NewLoopWorker wraps child.
func NewLoopWorker(name string, child Worker, profile core.CandidateProfile, opts ...LoopOption) *LoopWorker {
	l := &LoopWorker{
		BaseWorker:  NewBaseWorker(name, profile),
		child:       child,
		maxIters:    100,
		stopOnError: true,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Execute implements Worker. The returned output carries "iterations".
func (l *LoopWorker) Execute(ctx context.Context, task core.TaskSpec) (map[string]any, error) {
	var (
		out     map[string]any
		lastErr error
	)
	for i := 0; i < l.maxIters; i++ {
		if err := ctx.Err(); err != nil {
			return withIterations(out, i), err
		}

		res, err := l.child.Execute(ctx, task)
		switch {
		case errors.Is(err, ErrEscalated):
			return withIterations(res, i+1), nil
		case err != nil:
			if l.stopOnError {
				return withIterations(out, i+1), fmt.Errorf("loop iteration %d: %w", i+1, err)
			}
			lastErr = err
		default:
			out, lastErr = res, nil
			if l.until != nil && l.until(res) {
				return withIterations(out, i+1), nil
			}
		}

		if l.interval > 0 && i < l.maxIters-1 {
			select {
			case <-ctx.Done():
				return withIterations(out, i+1), ctx.Err()
			case <-time.After(l.interval):
			}
		}
	}
	if l.until != nil {
		// never satisfied
		if lastErr != nil {
			return withIterations(out, l.maxIters), fmt.Errorf("loop exhausted after %d iterations: %w", l.maxIters, lastErr)
		}
		return withIterations(out, l.maxIters), fmt.Errorf("loop exhausted after %d iterations", l.maxIters)
	}
	return withIterations(out, l.maxIters), lastErr
}

func withIterations(out map[string]any, n int) map[string]any {
	res := make(map[string]any, len(out)+1)
	for k, v := range out {
		res[k] = v
	}
	res["iterations"] = n
	return res
}
