package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/kv"
	"github.com/BDNK1/flowgate/runtime/router"
)

func blockingHandlers(entered chan<- struct{}, release <-chan struct{}) *router.HandlerSet {
	return router.NewHandlerSet().
		MustHandle("POST", "/block", func(ctx context.Context, req *router.HandlerRequest) (any, error) {
			entered <- struct{}{}
			select {
			case <-release:
				return map[string]any{"released": true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
}

func TestOrchestrator_RejectsConcurrentExecution(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, blockingHandlers(entered, release))
	ctx := context.Background()

	w, _ := h.orch.Create(ctx, "single", []StepDefinition{step("a", "/block")}, "single")

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Execute(ctx, w.ID, nil)
		done <- err
	}()
	<-entered

	if _, err := h.orch.Execute(ctx, w.ID, nil); !errors.Is(err, ErrWorkflowRunning) {
		t.Errorf("second Execute = %v, want ErrWorkflowRunning", err)
	}
	if _, err := h.orch.Create(ctx, "replacement", []StepDefinition{step("a", "/block")}, "single"); !errors.Is(err, ErrWorkflowRunning) {
		t.Errorf("Create over running id = %v, want ErrWorkflowRunning", err)
	}

	rec, found, err := h.orch.Status(ctx, w.ID)
	if err != nil || !found || rec.Status != StatusRunning {
		t.Errorf("Status while running = (%+v, %v, %v)", rec, found, err)
	}
	running := h.orch.List(StatusRunning)
	if len(running) != 1 || running[0].WorkflowID != "single" {
		t.Errorf("List(running) = %v", running)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
}

func TestOrchestrator_Reexecute(t *testing.T) {
	var calls atomic.Int32
	handlers := router.NewHandlerSet().
		MustHandle("POST", "/count", func(ctx context.Context, req *router.HandlerRequest) (any, error) {
			return map[string]any{"call": calls.Add(1)}, nil
		})
	h := newHarness(t, handlers)
	ctx := context.Background()

	w, _ := h.orch.Create(ctx, "again", []StepDefinition{step("a", "/count")}, "")

	first, err := h.orch.Execute(ctx, w.ID, nil)
	if err != nil {
		t.Fatalf("first Execute failed: %v", err)
	}
	second, err := h.orch.Execute(ctx, w.ID, nil)
	if err != nil {
		t.Fatalf("second Execute failed: %v", err)
	}

	if first.Result["a"].(map[string]any)["call"] != int32(1) {
		t.Errorf("first result changed after re-execution: %v", first.Result)
	}
	if second.Result["a"].(map[string]any)["call"] != int32(2) {
		t.Errorf("second result = %v", second.Result)
	}
	if first.Status != StatusCompleted || second.Status != StatusCompleted {
		t.Errorf("statuses = %s, %s", first.Status, second.Status)
	}
}

func TestOrchestrator_Status(t *testing.T) {
	handlers := router.NewHandlerSet().
		MustHandle("POST", "/ok", func(ctx context.Context, req *router.HandlerRequest) (any, error) {
			return map[string]any{"ok": true}, nil
		})
	h := newHarness(t, handlers)
	ctx := context.Background()

	if _, found, err := h.orch.Status(ctx, "unknown"); found || err != nil {
		t.Fatalf("Status of unknown id = (%v, %v)", found, err)
	}

	w, _ := h.orch.Create(ctx, "status", []StepDefinition{step("a", "/ok")}, "")
	rec, found, _ := h.orch.Status(ctx, w.ID)
	if !found || rec.Status != StatusPending || rec.StartedAt != nil {
		t.Errorf("Status before execution = %+v", rec)
	}

	if _, err := h.orch.Execute(ctx, w.ID, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	first, _, _ := h.orch.Status(ctx, w.ID)
	second, _, _ := h.orch.Status(ctx, w.ID)
	if first.Status != StatusCompleted || first.Status != second.Status || first.CompletedAt != second.CompletedAt {
		t.Errorf("Status not stable: %+v vs %+v", first, second)
	}

	h.store.Evict(w.ID)
	persisted, found, err := h.orch.Status(ctx, w.ID)
	if err != nil || !found {
		t.Fatalf("persisted Status = (%v, %v)", found, err)
	}
	if persisted.Status != StatusCompleted || persisted.Name != "status" {
		t.Errorf("persisted record = %+v", persisted)
	}
	if persisted.CompletedAt == nil || !persisted.CompletedAt.Equal(*first.CompletedAt) {
		t.Errorf("completed_at = %v, want %v", persisted.CompletedAt, first.CompletedAt)
	}
	if _, ok := persisted.Result["a"]; !ok {
		t.Errorf("persisted result = %v", persisted.Result)
	}
}

func TestOrchestrator_ExecuteUnknown(t *testing.T) {
	h := newHarness(t, nil)

	w, err := h.orch.Execute(context.Background(), "ghost", nil)
	if w != nil {
		t.Error("no workflow expected for unknown id")
	}
	if !errors.Is(err, ErrWorkflowNotFound) || !errors.Is(err, flowerr.ErrValidation) {
		t.Errorf("err = %v", err)
	}
}

func TestOrchestrator_DetachedFromCallerContext(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, blockingHandlers(entered, release))

	w, _ := h.orch.Create(context.Background(), "detached", []StepDefinition{step("a", "/block")}, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Workflow, 1)
	go func() {
		res, _ := h.orch.Execute(ctx, w.ID, nil)
		done <- res
	}()
	<-entered
	cancel()
	close(release)

	select {
	case res := <-done:
		if res.Status != StatusCompleted {
			t.Errorf("status = %s, want completed", res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not finish")
	}
}

func TestOrchestrator_TimeoutAndShutdown(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	defer close(release)

	l := testLogger()
	r := router.New(l, router.Config{}, nil)
	_ = r.Register(router.Registration{Name: "svc", Handlers: blockingHandlers(entered, release)})
	ws := NewWorkflowStore(l, kv.NewMemoryStore())
	orch := NewOrchestrator(l, ws, NewExecutor(l, NewStepExecutor(l, r, 0, nil), 0, nil), 50*time.Millisecond)

	w, _ := orch.Create(context.Background(), "bounded", []StepDefinition{step("a", "/block")}, "")
	res, err := orch.Execute(context.Background(), w.ID, nil)
	if !errors.Is(err, flowerr.ErrCancelled) || res.Status != StatusCancelled {
		t.Errorf("timed out execution = (%v, %v), want cancelled", res.Status, err)
	}

	orch.timeout = 0
	done := make(chan Status, 1)
	go func() {
		res, _ := orch.Execute(context.Background(), w.ID, nil)
		done <- res.Status
	}()
	<-entered
	<-entered
	orch.Shutdown()

	select {
	case status := <-done:
		if status != StatusCancelled {
			t.Errorf("status after shutdown = %s, want cancelled", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not stop the execution")
	}
}
