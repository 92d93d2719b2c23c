package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/kv"
	"github.com/BDNK1/flowgate/runtime/metrics"
	"github.com/BDNK1/flowgate/runtime/router"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	engine *gin.Engine
	router *router.Router
	orch   *runtime.Orchestrator
}

func newTestServer(t *testing.T, handlers *router.HandlerSet) *testServer {
	t.Helper()
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := metrics.NewRecorder()

	r := router.New(l, router.Config{Timeout: 5 * time.Second, HealthTimeout: time.Second}, rec)
	if err := r.Register(router.Registration{Name: "svc", Handlers: handlers}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	store := runtime.NewWorkflowStore(l, kv.NewMemoryStore())
	executor := runtime.NewExecutor(l, runtime.NewStepExecutor(l, r, 0, rec), 0, rec)
	orch := runtime.NewOrchestrator(l, store, executor, 0)
	rec.TrackActive(orch.Running)

	return &testServer{
		engine: New(l, orch, r, rec.Handler()).SetupRoutes(),
		router: r,
		orch:   orch,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	out := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, out
}

func echoHandlers() *router.HandlerSet {
	return router.NewHandlerSet().
		MustHandle("POST", "/echo", func(ctx context.Context, req *router.HandlerRequest) (any, error) {
			return map[string]any{"echo": req.Params["value"]}, nil
		}).
		MustHandle("POST", "/fail", func(ctx context.Context, req *router.HandlerRequest) (any, error) {
			return nil, errors.New("downstream exploded")
		})
}

func workflowBody(id string, steps ...map[string]any) map[string]any {
	return map[string]any{"name": "test", "workflow_id": id, "steps": steps}
}

func TestServer_WorkflowLifecycle(t *testing.T) {
	s := newTestServer(t, echoHandlers())

	code, created := s.do(t, "POST", "/api/v1/workflows", workflowBody("wf-1",
		map[string]any{"name": "first", "service": "svc", "endpoint": "/echo"},
		map[string]any{"name": "second", "service": "svc", "endpoint": "/echo", "params": map[string]any{"value": "${first.echo}"}, "depends_on": []string{"first"}},
	))
	if code != http.StatusCreated {
		t.Fatalf("create = %d %v", code, created)
	}
	if created["workflow_id"] != "wf-1" || created["status"] != "pending" {
		t.Errorf("create response = %v", created)
	}

	code, executed := s.do(t, "POST", "/api/v1/workflows/wf-1/execute", map[string]any{"context": map[string]any{"value": "hello"}})
	if code != http.StatusOK {
		t.Fatalf("execute = %d %v", code, executed)
	}
	result, _ := executed["result"].(map[string]any)
	second, _ := result["second"].(map[string]any)
	if executed["status"] != "completed" || second["echo"] != "hello" {
		t.Errorf("execute response = %v", executed)
	}

	code, status := s.do(t, "GET", "/api/v1/workflows/wf-1", nil)
	if code != http.StatusOK || status["status"] != "completed" {
		t.Errorf("status = %d %v", code, status)
	}

	code, listed := s.do(t, "GET", "/api/v1/workflows?status=completed", nil)
	if code != http.StatusOK {
		t.Fatalf("list = %d %v", code, listed)
	}
	if wfs, _ := listed["workflows"].([]any); len(wfs) != 1 {
		t.Errorf("completed workflows = %v", listed["workflows"])
	}

	_, listed = s.do(t, "GET", "/api/v1/workflows?status=failed", nil)
	if wfs, _ := listed["workflows"].([]any); len(wfs) != 0 {
		t.Errorf("failed workflows = %v", listed["workflows"])
	}
}

func TestServer_ExecuteWithoutBody(t *testing.T) {
	s := newTestServer(t, echoHandlers())
	s.do(t, "POST", "/api/v1/workflows", workflowBody("plain",
		map[string]any{"name": "only", "service": "svc", "endpoint": "/echo"}))

	code, body := s.do(t, "POST", "/api/v1/workflows/plain/execute", nil)
	if code != http.StatusOK || body["status"] != "completed" {
		t.Errorf("execute = %d %v", code, body)
	}
}

func TestServer_StatusCodes(t *testing.T) {
	s := newTestServer(t, echoHandlers())
	s.do(t, "POST", "/api/v1/workflows", workflowBody("failing",
		map[string]any{"name": "boom", "service": "svc", "endpoint": "/fail"}))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing name", "POST", "/api/v1/workflows", map[string]any{"steps": []any{}}, http.StatusBadRequest},
		{"no steps", "POST", "/api/v1/workflows", map[string]any{"name": "x", "steps": []any{}}, http.StatusBadRequest},
		{"step without service", "POST", "/api/v1/workflows", workflowBody("", map[string]any{"name": "a", "endpoint": "/echo"}), http.StatusBadRequest},
		{"failed execution", "POST", "/api/v1/workflows/failing/execute", nil, http.StatusUnprocessableEntity},
		{"unknown execute", "POST", "/api/v1/workflows/nope/execute", nil, http.StatusNotFound},
		{"unknown status", "GET", "/api/v1/workflows/nope", nil, http.StatusNotFound},
		{"unknown cancel", "POST", "/api/v1/workflows/nope/cancel", nil, http.StatusNotFound},
		{"invalid status filter", "GET", "/api/v1/workflows?status=sleeping", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("%s %s = %d %v, want %d", tt.method, tt.path, code, body, tt.want)
			}
		})
	}
}

func TestServer_FailedExecutionBody(t *testing.T) {
	s := newTestServer(t, echoHandlers())
	s.do(t, "POST", "/api/v1/workflows", workflowBody("failing",
		map[string]any{"name": "boom", "service": "svc", "endpoint": "/fail"}))

	code, body := s.do(t, "POST", "/api/v1/workflows/failing/execute", nil)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("execute = %d", code)
	}
	if body["status"] != "failed" {
		t.Errorf("status = %v", body["status"])
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "step boom failed") {
		t.Errorf("error = %q", msg)
	}
	detail, _ := body["detail"].(map[string]any)
	if detail["step"] != "boom" || detail["kind"] != "routing" || detail["service"] != "svc" {
		t.Errorf("detail = %v", detail)
	}
}

func TestServer_ConflictAndCancel(t *testing.T) {
	entered := make(chan struct{}, 1)
	handlers := router.NewHandlerSet().
		MustHandle("POST", "/block", func(ctx context.Context, req *router.HandlerRequest) (any, error) {
			entered <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		})
	s := newTestServer(t, handlers)
	s.do(t, "POST", "/api/v1/workflows", workflowBody("slow",
		map[string]any{"name": "wait", "service": "svc", "endpoint": "/block"}))

	type reply struct {
		code int
		body map[string]any
	}
	done := make(chan reply, 1)
	go func() {
		code, body := s.do(t, "POST", "/api/v1/workflows/slow/execute", nil)
		done <- reply{code, body}
	}()
	<-entered

	if code, body := s.do(t, "POST", "/api/v1/workflows/slow/execute", nil); code != http.StatusConflict {
		t.Errorf("second execute = %d %v, want 409", code, body)
	}
	if code, body := s.do(t, "GET", "/api/v1/workflows/slow", nil); code != http.StatusOK || body["status"] != "running" {
		t.Errorf("status while running = %d %v", code, body)
	}
	if code, body := s.do(t, "POST", "/api/v1/workflows/slow/cancel", nil); code != http.StatusAccepted {
		t.Errorf("cancel = %d %v", code, body)
	}

	select {
	case r := <-done:
		if r.code != http.StatusConflict || r.body["status"] != "cancelled" {
			t.Errorf("cancelled execute = %d %v", r.code, r.body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}
}

func TestServer_ModulesAndHealth(t *testing.T) {
	s := newTestServer(t, echoHandlers())

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	code, body := s.do(t, "GET", "/health", nil)
	if code != http.StatusOK || body["status"] != HealthHealthy || body["gateway"] != "operational" {
		t.Errorf("health = %d %v", code, body)
	}

	if err := s.router.Register(router.Registration{
		Name:                "billing",
		ServiceURL:          down.URL,
		HealthCheckEndpoint: "/health",
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, body = s.do(t, "GET", "/health", nil)
	modules, _ := body["modules"].(map[string]any)
	if body["status"] != HealthDegraded || modules["billing"] != false || modules["svc"] != true {
		t.Errorf("degraded health = %v", body)
	}

	_, body = s.do(t, "GET", "/api/v1/modules/health", nil)
	if health, _ := body["health"].(map[string]any); len(health) != 2 {
		t.Errorf("module health = %v", body)
	}

	_, body = s.do(t, "GET", "/api/v1/modules", nil)
	mods, _ := body["modules"].([]any)
	if len(mods) != 2 {
		t.Fatalf("modules = %v", body)
	}
	names := map[any]bool{}
	for _, m := range mods {
		names[m.(map[string]any)["name"]] = true
	}
	if !names["svc"] || !names["billing"] {
		t.Errorf("module names = %v", names)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, echoHandlers())
	s.do(t, "POST", "/api/v1/workflows", workflowBody("m",
		map[string]any{"name": "only", "service": "svc", "endpoint": "/echo"}))
	s.do(t, "POST", "/api/v1/workflows/m/execute", nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `flowgate_workflow_executions_total{status="completed"} 1`) {
		t.Errorf("metrics body missing workflow counter:\n%s", w.Body.String())
	}
}
