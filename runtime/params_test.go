package runtime

import (
	"reflect"
	"strings"
	"testing"
)

func TestBuildParams(t *testing.T) {
	results := map[string]map[string]any{
		"fetch": {"id": "u-1", "count": 3},
	}

	tests := []struct {
		name    string
		execCtx map[string]any
		params  map[string]any
		want    map[string]any
	}{
		{
			name: "empty",
			want: map[string]any{"fetch": map[string]any{"id": "u-1", "count": 3}},
		},
		{
			name:    "context then results then params",
			execCtx: map[string]any{"fetch": "shadowed", "region": "eu", "user": "ctx"},
			params:  map[string]any{"user": "param"},
			want: map[string]any{
				"fetch":  map[string]any{"id": "u-1", "count": 3},
				"region": "eu",
				"user":   "param",
			},
		},
		{
			name:   "references",
			params: map[string]any{"id": "${fetch.id}", "fetch": "${fetch.count}"},
			want:   map[string]any{"id": "u-1", "fetch": 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildParams(tt.execCtx, results, tt.params)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBuildParams_DoesNotMutateInputs(t *testing.T) {
	results := map[string]map[string]any{"a": {"v": 1}}
	params := map[string]any{"nested": map[string]any{"x": "${a.v}"}}

	_ = buildParams(nil, results, params)

	if params["nested"].(map[string]any)["x"] != "${a.v}" {
		t.Error("step params were modified in place")
	}
}

func TestResolveReference(t *testing.T) {
	results := map[string]map[string]any{
		"a":   {"value": 42, "user.name": "dotted", "obj": map[string]any{"k": "v"}},
		"b.c": {"x": 1},
	}

	tests := []struct {
		in   string
		want any
	}{
		{"${a.value}", 42},
		{"${a.obj}", map[string]any{"k": "v"}},
		{"${a.missing}", nil},
		{"${a.user.name}", "dotted"},
		{"${b.c.x}", "${b.c.x}"},
		{"${zzz.value}", "${zzz.value}"},
		{"${a}", "${a}"},
		{"prefix ${a.value}", "prefix ${a.value}"},
		{"${a.value} suffix", "${a.value} suffix"},
		{"$a.value", "$a.value"},
		{"", ""},
		{"${}", "${}"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := resolveReference(tt.in, results)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("resolveReference(%q) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveValue_Recursive(t *testing.T) {
	results := map[string]map[string]any{"a": {"v": "x"}}
	in := map[string]any{
		"list": []any{"${a.v}", map[string]any{"deep": []any{"${a.v}"}}, 7},
		"n":    nil,
	}

	got := resolveValue(in, results)
	want := map[string]any{
		"list": []any{"x", map[string]any{"deep": []any{"x"}}, 7},
		"n":    nil,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestDiagnoseDependencies(t *testing.T) {
	tests := []struct {
		name string
		defs []StepDefinition
		want []string
	}{
		{
			name: "valid graph",
			defs: []StepDefinition{
				{Name: "a"},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c", DependsOn: []string{"a", "b"}},
			},
		},
		{
			name: "unknown dependency",
			defs: []StepDefinition{{Name: "a", DependsOn: []string{"ghost"}}},
			want: []string{"step a depends on unknown step ghost"},
		},
		{
			name: "self dependency",
			defs: []StepDefinition{{Name: "a", DependsOn: []string{"a"}}},
			want: []string{"dependency cycle: a -> a"},
		},
		{
			name: "two step cycle reported once",
			defs: []StepDefinition{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
			},
			want: []string{"dependency cycle: a -> b -> a"},
		},
		{
			name: "cycle behind a valid prefix",
			defs: []StepDefinition{
				{Name: "root"},
				{Name: "x", DependsOn: []string{"root", "z"}},
				{Name: "y", DependsOn: []string{"x"}},
				{Name: "z", DependsOn: []string{"y"}},
			},
			want: []string{"dependency cycle: x -> z -> y -> x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiagnoseDependencies(tt.defs)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %q, want %q", strings.Join(got, "; "), strings.Join(tt.want, "; "))
			}
		})
	}
}
