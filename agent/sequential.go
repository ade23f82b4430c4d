package agent

import (
	"context"
	"fmt"
	"maps"

	"github.com/hupe1980/swarmkit/core"
)

// SequentialWorker runs child workers one after another. Each step sees the
// task input merged with the outputs of the previous steps; the first error
// stops the pipeline.
type SequentialWorker struct {
	BaseWorker
	steps []Worker
}

// NewSequentialWorker creates a pipeline over steps.
func NewSequentialWorker(name string, profile core.CandidateProfile, steps ...Worker) *SequentialWorker {
	return &SequentialWorker{BaseWorker: NewBaseWorker(name, profile), steps: steps}
}

// Execute implements Worker.
func (s *SequentialWorker) Execute(ctx context.Context, task core.TaskSpec) (map[string]any, error) {
	acc := maps.Clone(task.Input)
	if acc == nil {
		acc = map[string]any{}
	}
	for i, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return acc, err
		}
		t := task
		t.Input = maps.Clone(acc)
		out, err := step.Execute(ctx, t)
		if err != nil {
			return acc, fmt.Errorf("sequential step %d: %w", i, err)
		}
		maps.Copy(acc, out)
	}
	return acc, nil
}
