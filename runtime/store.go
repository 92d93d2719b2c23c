package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/value"
)

const (
	// Namespace holds workflow definitions and execution records.
	Namespace = "workflows"

	definitionKeyPrefix = "workflow:"
	executionKeyPrefix  = "workflow_execution:"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowRunning  = errors.New("workflow is already running")
)

func DefinitionKey(id string) string { return definitionKeyPrefix + id }

func ExecutionKey(id string) string { return executionKeyPrefix + id }

// WorkflowStore keeps workflows in memory and persists their definitions and
// execution records through a KVStore. Lookup, creation and rehydration of a
// workflow id are serialized per id; the table itself is guarded separately
// so unrelated ids never wait on each other.
type WorkflowStore struct {
	l     *slog.Logger
	kv    KVStore
	locks keyedMutex

	mu        sync.RWMutex
	workflows map[string]*Workflow
}

func NewWorkflowStore(l *slog.Logger, kv KVStore) *WorkflowStore {
	return &WorkflowStore{
		l:         l,
		kv:        kv,
		workflows: make(map[string]*Workflow),
	}
}

// Create validates and registers a workflow and persists its definition. An
// empty id is replaced by a generated one. Creating over an existing id
// replaces it, and drops its execution record, unless that workflow is
// running.
func (s *WorkflowStore) Create(ctx context.Context, name string, defs []StepDefinition, id string) (*Workflow, error) {
	def, err := prepareDefinition(name, defs)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	if existing, ok := s.lookup(id); ok && existing.Summary().Status == StatusRunning {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrWorkflowRunning)
	}

	if err := s.kv.Set(ctx, Namespace, DefinitionKey(id), def, 0); err != nil {
		return nil, fmt.Errorf("failed to persist workflow %s: %w", id, err)
	}
	if err := s.kv.Delete(ctx, Namespace, ExecutionKey(id)); err != nil {
		return nil, fmt.Errorf("failed to reset execution of workflow %s: %w", id, err)
	}

	w := newWorkflow(id, def.Name, def.Steps, time.Now().UTC())
	s.put(w)

	s.l.InfoContext(ctx, "Workflow created", "workflow_id", id, "name", def.Name, "steps", len(def.Steps))
	return w, nil
}

// Get returns the workflow with id, rehydrating it from its persisted
// definition when it is not held in memory.
func (s *WorkflowStore) Get(ctx context.Context, id string) (*Workflow, error) {
	if w, ok := s.lookup(id); ok {
		return w, nil
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	return s.getLocked(ctx, id)
}

func (s *WorkflowStore) getLocked(ctx context.Context, id string) (*Workflow, error) {
	if w, ok := s.lookup(id); ok {
		return w, nil
	}

	def, found, err := s.loadDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &flowerr.Error{
			Kind:    flowerr.KindValidation,
			Message: fmt.Sprintf("workflow %s not found", id),
			Cause:   ErrWorkflowNotFound,
		}
	}

	w := newWorkflow(id, def.Name, def.Steps, time.Now().UTC())

	// The last execution outcome survives restarts.
	rec, found, err := s.Execution(ctx, id)
	switch {
	case err != nil:
		s.l.WarnContext(ctx, "Ignoring unreadable execution record", "workflow_id", id, "error", err)
	case found && rec.Status.Terminal():
		w.restore(rec)
	}

	s.put(w)
	s.l.InfoContext(ctx, "Workflow rehydrated", "workflow_id", id, "name", def.Name, "status", w.Status)
	return w, nil
}

// Begin prepares id for a new execution. It replaces the in-memory workflow
// with a fresh copy built from its definition, marked running, so earlier
// terminal state is never mutated. Begin fails with ErrWorkflowRunning while
// another execution of id is in flight.
func (s *WorkflowStore) Begin(ctx context.Context, id string) (*Workflow, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	current, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	current.mu.RLock()
	running := current.Status == StatusRunning
	name, createdAt := current.Name, current.CreatedAt
	defs := current.Definitions()
	current.mu.RUnlock()

	if running {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrWorkflowRunning)
	}

	fresh := newWorkflow(id, name, defs, createdAt)
	fresh.Status = StatusRunning
	s.put(fresh)
	return fresh, nil
}

// SaveExecution persists the execution record of w.
func (s *WorkflowStore) SaveExecution(ctx context.Context, w *Workflow) error {
	record := w.Record()
	if err := s.kv.Set(ctx, Namespace, ExecutionKey(w.ID), record, 0); err != nil {
		return fmt.Errorf("failed to persist execution of workflow %s: %w", w.ID, err)
	}
	return nil
}

// Execution reads the persisted execution record of id.
func (s *WorkflowStore) Execution(ctx context.Context, id string) (*ExecutionRecord, bool, error) {
	var raw map[string]any
	found, err := s.kv.Get(ctx, Namespace, ExecutionKey(id), &raw)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load execution of workflow %s: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}

	var record ExecutionRecord
	if err := value.Decode(raw, &record); err != nil {
		return nil, false, fmt.Errorf("failed to decode execution of workflow %s: %w", id, err)
	}
	if record.WorkflowID == "" {
		record.WorkflowID = id
	}
	return &record, true, nil
}

// List returns summaries of in-memory workflows ordered by creation time,
// optionally filtered by status.
func (s *WorkflowStore) List(status Status) []Summary {
	s.mu.RLock()
	summaries := make([]Summary, 0, len(s.workflows))
	for _, w := range s.workflows {
		sum := w.Summary()
		if status == "" || sum.Status == status {
			summaries = append(summaries, sum)
		}
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].WorkflowID < summaries[j].WorkflowID
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// Evict drops id from memory. The persisted definition is kept.
func (s *WorkflowStore) Evict(id string) {
	s.mu.Lock()
	delete(s.workflows, id)
	s.mu.Unlock()
}

// Restore loads every persisted definition into memory. Definitions that
// fail to decode are logged and skipped.
func (s *WorkflowStore) Restore(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, Namespace)
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted workflows: %w", err)
	}

	restored := 0
	for _, key := range keys {
		id, ok := strings.CutPrefix(key, definitionKeyPrefix)
		if !ok {
			continue
		}
		if _, err := s.Get(ctx, id); err != nil {
			s.l.WarnContext(ctx, "Skipping persisted workflow", "workflow_id", id, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

func (s *WorkflowStore) loadDefinition(ctx context.Context, id string) (Definition, bool, error) {
	var raw map[string]any
	found, err := s.kv.Get(ctx, Namespace, DefinitionKey(id), &raw)
	if err != nil {
		return Definition{}, false, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	if !found {
		return Definition{}, false, nil
	}

	var def Definition
	if err := value.Decode(raw, &def); err != nil {
		return Definition{}, false, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}
	for i := range def.Steps {
		normalizeStep(&def.Steps[i])
	}
	return def, true, nil
}

func (s *WorkflowStore) lookup(id string) (*Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	return w, ok
}

func (s *WorkflowStore) put(w *Workflow) {
	s.mu.Lock()
	s.workflows[w.ID] = w
	s.mu.Unlock()
}

// prepareDefinition applies step defaults, validates the definition and
// normalizes params to JSON value kinds so the in-memory and persisted forms
// are identical.
func prepareDefinition(name string, defs []StepDefinition) (Definition, error) {
	def := Definition{Name: name, Steps: make([]StepDefinition, len(defs))}
	copy(def.Steps, defs)

	for i := range def.Steps {
		step := &def.Steps[i]
		if err := ApplyDefaults(step); err != nil {
			return Definition{}, flowerr.Validation("step %d: %v", i, err)
		}
		params, err := value.NormalizeMap(step.Params)
		if err != nil {
			return Definition{}, flowerr.Validation("step %s: params: %v", step.Name, err)
		}
		step.Params = params
		step.DependsOn = append([]string{}, step.DependsOn...)
		normalizeStep(step)
	}

	if err := Validate(def); err != nil {
		return Definition{}, flowerr.Validation("%v", err)
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if seen[step.Name] {
			return Definition{}, flowerr.Validation("duplicate step name %q", step.Name)
		}
		seen[step.Name] = true
	}
	return def, nil
}

func normalizeStep(step *StepDefinition) {
	step.Method = strings.ToUpper(step.Method)
	if step.Method == "" {
		step.Method = "POST"
	}
	if step.Params == nil {
		step.Params = map[string]any{}
	}
	if step.DependsOn == nil {
		step.DependsOn = []string{}
	}
}
