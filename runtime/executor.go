package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BDNK1/flowgate/runtime/flowerr"
)

var tracer = otel.Tracer("github.com/BDNK1/flowgate/runtime")

// Executor schedules the steps of a workflow. Each iteration runs the batch
// of steps whose dependencies have completed, waits for the whole batch to
// settle and stops at the first failed step.
type Executor struct {
	l            *slog.Logger
	stepExecutor *StepExecutor
	maxParallel  int
	observer     Observer
}

func NewExecutor(l *slog.Logger, stepExecutor *StepExecutor, maxParallel int, observer Observer) *Executor {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Executor{
		l:            l,
		stepExecutor: stepExecutor,
		maxParallel:  maxParallel,
		observer:     observer,
	}
}

type stepOutcome struct {
	result   map[string]any
	attempts int
	err      error
}

// Execute runs the workflow of execution to a terminal status and returns
// the error that ended it, if any. The workflow's status, result and error
// are updated in place.
func (e *Executor) Execute(execution *Execution) error {
	w := execution.Workflow
	ctx, span := tracer.Start(execution, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", w.ID),
		attribute.String("workflow.name", w.Name),
		attribute.String("execution.id", execution.ID),
	))
	defer span.End()
	execution = execution.WithContext(ctx)

	started := time.Now().UTC()
	w.update(func() {
		w.Status = StatusRunning
		w.StartedAt = &started
		w.CompletedAt = nil
		w.Result = nil
		w.Error = ""
	})
	e.l.InfoContext(execution, "Workflow started", "workflow_id", w.ID, "name", w.Name, "steps", len(w.Steps))

	err := e.executeSteps(execution)

	completed := time.Now().UTC()
	status := StatusCompleted
	switch {
	case err == nil:
	case flowerr.KindOf(err) == flowerr.KindCancelled:
		status = StatusCancelled
	default:
		status = StatusFailed
	}

	w.update(func() {
		w.Status = status
		w.CompletedAt = &completed
		w.Result = execution.Results()
		if err != nil && w.Error == "" {
			w.Error = err.Error()
		}
	})
	e.observer.ObserveWorkflow(status, completed.Sub(started))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.l.ErrorContext(execution, fmt.Sprintf("Workflow %s %s", w.ID, status),
			"workflow_id", w.ID,
			"error", err)
		return err
	}

	e.l.InfoContext(execution, "Workflow completed",
		"workflow_id", w.ID,
		"duration", completed.Sub(started))
	return nil
}

func (e *Executor) executeSteps(execution *Execution) error {
	w := execution.Workflow

	for !execution.finished() {
		if err := execution.Err(); err != nil {
			return flowerr.Cancelled(err)
		}

		ready := execution.readySteps()
		if len(ready) == 0 {
			return e.dependencyError(execution)
		}

		outcomes := e.runBatch(execution, ready)

		var firstErr error
		now := time.Now().UTC()
		w.update(func() {
			for i, step := range ready {
				out := outcomes[i]
				step.Attempts = out.attempts
				step.CompletedAt = &now
				if out.err != nil {
					step.Status = StatusFailed
					step.Error = out.err.Error()
					var fe *flowerr.Error
					if errors.As(out.err, &fe) && fe.Step == "" {
						fe.Step = step.Name
					}
					if firstErr == nil {
						firstErr = out.err
						if flowerr.KindOf(out.err) == flowerr.KindCancelled {
							step.Status = StatusCancelled
						} else {
							w.Error = fmt.Sprintf("step %s failed: %v", step.Name, out.err)
						}
					}
					continue
				}
				step.Status = StatusCompleted
				step.Result = out.result
				execution.complete(step.Name, out.result)
			}
		})

		if firstErr != nil {
			return firstErr
		}
	}

	return nil
}

// runBatch runs every ready step concurrently and waits for all of them.
// A failing step never cancels its siblings.
func (e *Executor) runBatch(execution *Execution, ready []*Step) []stepOutcome {
	w := execution.Workflow
	outcomes := make([]stepOutcome, len(ready))

	g := new(errgroup.Group)
	if e.maxParallel > 0 {
		g.SetLimit(e.maxParallel)
	}

	for i, step := range ready {
		params := buildParams(execution.Context, execution.results, step.Params)

		g.Go(func() error {
			ctx, span := tracer.Start(execution, "workflow.step", trace.WithAttributes(
				attribute.String("step.name", step.Name),
				attribute.String("step.service", step.Service),
			))
			defer span.End()

			started := time.Now().UTC()
			w.update(func() {
				step.Status = StatusRunning
				step.StartedAt = &started
				step.Error = ""
			})
			e.l.InfoContext(ctx, fmt.Sprintf("Executing step: %s", step.Name),
				"service", step.Service,
				"endpoint", step.Endpoint)

			result, attempts, err := e.stepExecutor.ExecuteStep(ctx, step.StepDefinition, params)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			outcomes[i] = stepOutcome{result: result, attempts: attempts, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (e *Executor) dependencyError(execution *Execution) error {
	pending := execution.pendingSteps()
	msg := fmt.Sprintf("cannot resolve step dependencies: blocked steps [%s]", strings.Join(pending, ", "))
	if problems := DiagnoseDependencies(execution.Workflow.Definitions()); len(problems) > 0 {
		msg += ": " + strings.Join(problems, "; ")
	}
	return flowerr.DependencyResolution("%s", msg)
}
