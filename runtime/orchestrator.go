package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrWorkflowNotRunning = errors.New("workflow is not running")

// Orchestrator is the entry point for submitting, executing and inspecting
// workflows.
type Orchestrator struct {
	l        *slog.Logger
	store    *WorkflowStore
	executor *Executor
	timeout  time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewOrchestrator wires a store and an executor. A positive timeout bounds
// each execution; an expired execution ends as cancelled.
func NewOrchestrator(l *slog.Logger, store *WorkflowStore, executor *Executor, timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		l:        l,
		store:    store,
		executor: executor,
		timeout:  timeout,
		active:   make(map[string]context.CancelFunc),
	}
}

func (o *Orchestrator) Store() *WorkflowStore {
	return o.store
}

func (o *Orchestrator) Create(ctx context.Context, name string, steps []StepDefinition, id string) (*Workflow, error) {
	w, err := o.store.Create(ctx, name, steps, id)
	if err != nil {
		return nil, err
	}
	return w.Snapshot(), nil
}

// Execute runs the workflow id to a terminal status and returns a snapshot
// of it. The returned error is the one that ended the execution; the
// workflow is nil only when the execution could not start.
//
// The execution is detached from ctx cancellation so a disconnecting caller
// does not abort it; use Cancel for that.
func (o *Orchestrator) Execute(ctx context.Context, id string, execCtx map[string]any) (*Workflow, error) {
	w, err := o.store.Begin(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if o.timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	o.track(id, cancel)
	defer o.untrack(id)
	defer cancel()

	execution := NewExecution(runCtx, w, execCtx)
	runErr := o.executor.Execute(execution)

	if err := o.store.SaveExecution(context.WithoutCancel(ctx), w); err != nil {
		o.l.ErrorContext(ctx, "Failed to persist workflow execution",
			"workflow_id", id,
			"error", err)
	}

	return w.Snapshot(), runErr
}

// Cancel stops the in-flight execution of id. The execution ends as
// cancelled once its current batch settles.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotRunning)
	}
	cancel()
	o.l.Info("Workflow cancellation requested", "workflow_id", id)
	return nil
}

// Status returns the in-memory state of id or, when it is not held in
// memory, its persisted execution record. found is false when neither
// exists.
func (o *Orchestrator) Status(ctx context.Context, id string) (record ExecutionRecord, found bool, err error) {
	if w, ok := o.store.lookup(id); ok {
		return w.Record(), true, nil
	}

	rec, ok, err := o.store.Execution(ctx, id)
	if err != nil || !ok {
		return ExecutionRecord{}, false, err
	}
	return *rec, true, nil
}

// Workflow returns a snapshot of id including step state, rehydrating it
// from its definition when needed.
func (o *Orchestrator) Workflow(ctx context.Context, id string) (*Workflow, error) {
	w, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.Snapshot(), nil
}

func (o *Orchestrator) List(status Status) []Summary {
	return o.store.List(status)
}

// Running reports how many executions are in flight.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown cancels every in-flight execution.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, cancel := range o.active {
		o.l.Info("Cancelling workflow on shutdown", "workflow_id", id)
		cancel()
	}
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}
