package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/BDNK1/flowgate/runtime/flowerr"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "greeting.yaml", `
id: greeting
name: Greeting
steps:
  - name: lookup
    service: users
    endpoint: /users/{id}
    method: get
    params:
      id: "42"
  - name: greet
    service: mailer
    endpoint: /send
    depends_on: [lookup]
    retry_count: 2
    timeout: 10
    params:
      to: ${lookup.email}
`)
	writeFile(t, dir, "anonymous.yml", `
name: Anonymous
steps:
  - name: only
    service: svc
    endpoint: /x
`)
	writeFile(t, dir, "README.md", "not a workflow")

	h := newHarness(t, nil)
	n, err := h.orch.LoadDefinitions(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadDefinitions failed: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded = %d, want 2", n)
	}

	w, err := h.orch.Workflow(context.Background(), "greeting")
	if err != nil {
		t.Fatalf("Workflow failed: %v", err)
	}
	lookup, _ := w.Step("lookup")
	greet, _ := w.Step("greet")
	if lookup.Method != "GET" || lookup.Params["id"] != "42" {
		t.Errorf("lookup = %+v", lookup.StepDefinition)
	}
	if greet.Method != "POST" || greet.RetryCount != 2 || greet.TimeoutDuration().Seconds() != 10 {
		t.Errorf("greet = %+v", greet.StepDefinition)
	}
	if greet.Params["to"] != "${lookup.email}" || len(greet.DependsOn) != 1 {
		t.Errorf("greet params/deps = %v %v", greet.Params, greet.DependsOn)
	}

	if len(h.orch.List("")) != 2 {
		t.Errorf("expected both definitions registered, got %v", h.orch.List(""))
	}
}

func TestLoadDefinitions_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		isValid bool
	}{
		{name: "malformed yaml", content: "name: [unterminated"},
		{name: "invalid definition", content: "name: x\nsteps: []\n", isValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "bad.yaml", tt.content)

			h := newHarness(t, nil)
			_, err := h.orch.LoadDefinitions(context.Background(), dir)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, flowerr.ErrValidation); got != tt.isValid {
				t.Errorf("validation error = %v, want %v (%v)", got, tt.isValid, err)
			}
		})
	}
}

func TestReadDefinitions_EmptyDir(t *testing.T) {
	defs, err := ReadDefinitions(t.TempDir())
	if err != nil || len(defs) != 0 {
		t.Errorf("ReadDefinitions = (%v, %v), want empty", defs, err)
	}
}
