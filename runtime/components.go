package runtime

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a workflow or a step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown workflow status %q", s)
}

// StepDefinition is the static part of a step as submitted by the caller.
type StepDefinition struct {
	Name       string         `json:"name" yaml:"name" validate:"required"`
	Service    string         `json:"service" yaml:"service" validate:"required"`
	Endpoint   string         `json:"endpoint" yaml:"endpoint" validate:"required"`
	Method     string         `json:"method" yaml:"method" default:"POST" validate:"oneof=GET POST PUT DELETE get post put delete"`
	Params     map[string]any `json:"params" yaml:"params"`
	DependsOn  []string       `json:"depends_on" yaml:"depends_on"`
	RetryCount int            `json:"retry_count" yaml:"retry_count" validate:"gte=0"`
	// Timeout is in seconds and may be fractional.
	Timeout *float64 `json:"timeout" yaml:"timeout" validate:"omitempty,gt=0"`
}

func (d StepDefinition) TimeoutDuration() time.Duration {
	if d.Timeout == nil {
		return 0
	}
	return time.Duration(*d.Timeout * float64(time.Second))
}

// Step is a step definition plus the state of its current execution.
type Step struct {
	StepDefinition

	Status      Status         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Workflow is one submitted workflow and the state of its latest execution.
// Steps keep definition order. Execution state is only mutated through
// update; readers outside the owning execution take a Snapshot.
type Workflow struct {
	mu sync.RWMutex

	ID          string         `json:"workflow_id"`
	Name        string         `json:"name"`
	Steps       []*Step        `json:"steps"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func newWorkflow(id, name string, defs []StepDefinition, createdAt time.Time) *Workflow {
	steps := make([]*Step, len(defs))
	for i, def := range defs {
		steps[i] = &Step{StepDefinition: def, Status: StatusPending}
	}
	return &Workflow{
		ID:        id,
		Name:      name,
		Steps:     steps,
		Status:    StatusPending,
		CreatedAt: createdAt,
	}
}

// Step returns the step with the given name.
func (w *Workflow) Step(name string) (*Step, bool) {
	for _, s := range w.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func (w *Workflow) update(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn()
}

// Snapshot returns a copy of w that is safe to read while an execution is in
// flight.
func (w *Workflow) Snapshot() *Workflow {
	w.mu.RLock()
	defer w.mu.RUnlock()

	steps := make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		c := *s
		steps[i] = &c
	}
	return &Workflow{
		ID:          w.ID,
		Name:        w.Name,
		Steps:       steps,
		Status:      w.Status,
		CreatedAt:   w.CreatedAt,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
		Result:      w.Result,
		Error:       w.Error,
	}
}

func (w *Workflow) Summary() Summary {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Summary{WorkflowID: w.ID, Name: w.Name, Status: w.Status, CreatedAt: w.CreatedAt}
}

// Definitions returns the static step definitions in order.
func (w *Workflow) Definitions() []StepDefinition {
	defs := make([]StepDefinition, len(w.Steps))
	for i, s := range w.Steps {
		defs[i] = s.StepDefinition
	}
	return defs
}

// Definition is the persisted form of a workflow.
type Definition struct {
	Name  string           `json:"name" yaml:"name" validate:"required"`
	Steps []StepDefinition `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// ExecutionRecord is the persisted outcome of one execution.
type ExecutionRecord struct {
	WorkflowID  string         `json:"workflow_id"`
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	StartedAt   *time.Time     `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Result      map[string]any `json:"result"`
	Error       string         `json:"error"`
}

func (w *Workflow) Record() ExecutionRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return ExecutionRecord{
		WorkflowID:  w.ID,
		Name:        w.Name,
		Status:      w.Status,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
		Result:      w.Result,
		Error:       w.Error,
	}
}

// restore applies a persisted execution outcome to a freshly rehydrated
// workflow. Steps whose results were recorded are marked completed.
func (w *Workflow) restore(rec *ExecutionRecord) {
	w.update(func() {
		w.Status = rec.Status
		w.StartedAt = rec.StartedAt
		w.CompletedAt = rec.CompletedAt
		w.Result = rec.Result
		w.Error = rec.Error
		for _, s := range w.Steps {
			if r, ok := rec.Result[s.Name].(map[string]any); ok {
				s.Status = StatusCompleted
				s.Result = r
			}
		}
	})
}

// Summary is the list view of a workflow.
type Summary struct {
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}
