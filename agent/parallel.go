package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/swarmkit/core"
)

// ParallelWorker fans a task out to named child workers concurrently.
//
// Every child receives the same task. Outputs are merged under the child's
// name; the first error (after all children finish) is returned, and
// successful children keep their output even when a sibling fails.
type ParallelWorker struct {
	BaseWorker
	children map[string]Worker
	order    []string
	timeout  time.Duration
}

// NewParallelWorker creates a ParallelWorker. A zero timeout means no
// limit beyond the caller's context.
func NewParallelWorker(name string, timeout time.Duration, profile core.CandidateProfile) *ParallelWorker {
	return &ParallelWorker{
		BaseWorker: NewBaseWorker(name, profile),
		children:   make(map[string]Worker),
		timeout:    timeout,
	}
}

// Add registers a child under name (chainable). A second child with the same
// name replaces the first.
func (p *ParallelWorker) Add(name string, w Worker) *ParallelWorker {
	if _, ok := p.children[name]; !ok {
		p.order = append(p.order, name)
	}
	p.children[name] = w
	return p
}

// Execute implements Worker.
func (p *ParallelWorker) Execute(ctx context.Context, task core.TaskSpec) (map[string]any, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]any, len(p.order))
	)
	errCh := make(chan error, len(p.order))

	for _, name := range p.order {
		wg.Add(1)
		go func(name string, w Worker) {
			defer wg.Done()
			res, err := w.Execute(ctx, task)
			if err != nil {
				errCh <- fmt.Errorf("parallel step %s: %w", name, err)
				return
			}
			mu.Lock()
			out[name] = res
			mu.Unlock()
		}(name, p.children[name])
	}

	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return out, err
	}
	return out, nil
}
