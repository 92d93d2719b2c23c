package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
)

var _ context.Context = &Execution{}

// Execution is one run of a workflow. It carries the caller context mapping,
// the results of completed steps and the real context used for cancellation.
// Execution implements context.Context by delegating to that context.
type Execution struct {
	ID       string
	Workflow *Workflow
	Context  map[string]any

	results   map[string]map[string]any
	completed map[string]bool
	ctx       context.Context
}

func NewExecution(ctx context.Context, w *Workflow, execCtx map[string]any) *Execution {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		execCtx = map[string]any{}
	}
	return &Execution{
		ID:        uuid.New().String(),
		Workflow:  w,
		Context:   execCtx,
		results:   make(map[string]map[string]any),
		completed: make(map[string]bool),
		ctx:       ctx,
	}
}

func (e *Execution) Deadline() (deadline time.Time, ok bool) {
	return e.ctx.Deadline()
}

func (e *Execution) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *Execution) Err() error {
	return e.ctx.Err()
}

func (e *Execution) Value(key any) any {
	return e.ctx.Value(key)
}

// WithContext returns a shallow copy of the Execution with a new embedded
// context.
func (e *Execution) WithContext(ctx context.Context) *Execution {
	c := *e
	c.ctx = ctx
	return &c
}

// Results returns a copy of the completed step results keyed by step name.
func (e *Execution) Results() map[string]any {
	out := make(map[string]any, len(e.results))
	for name, r := range e.results {
		out[name] = r
	}
	return out
}

func (e *Execution) complete(name string, result map[string]any) {
	if result == nil {
		result = map[string]any{}
	}
	e.results[name] = result
	e.completed[name] = true
}

func (e *Execution) finished() bool {
	return len(e.completed) == len(e.Workflow.Steps)
}

// readySteps returns the incomplete steps whose dependencies have all
// completed, in definition order.
func (e *Execution) readySteps() []*Step {
	var ready []*Step
	for _, s := range e.Workflow.Steps {
		if e.completed[s.Name] {
			continue
		}
		if e.dependenciesMet(s) {
			ready = append(ready, s)
		}
	}
	return ready
}

func (e *Execution) dependenciesMet(s *Step) bool {
	for _, dep := range s.DependsOn {
		if !e.completed[dep] {
			return false
		}
	}
	return true
}

func (e *Execution) pendingSteps() []string {
	var names []string
	for _, s := range e.Workflow.Steps {
		if !e.completed[s.Name] {
			names = append(names, s.Name)
		}
	}
	return names
}
