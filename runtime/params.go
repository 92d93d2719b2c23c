package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// buildParams layers the caller context, the results of completed steps keyed
// by step name and the step's own params, later layers winning, then
// resolves ${step.key} references against results.
func buildParams(execCtx map[string]any, results map[string]map[string]any, params map[string]any) map[string]any {
	merged := make(map[string]any, len(execCtx)+len(results)+len(params))
	for k, v := range execCtx {
		merged[k] = v
	}
	for name, result := range results {
		merged[name] = result
	}
	for k, v := range params {
		merged[k] = v
	}
	return resolveParams(merged, results)
}

func resolveParams(params map[string]any, results map[string]map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		resolved[k] = resolveValue(v, results)
	}
	return resolved
}

func resolveValue(v any, results map[string]map[string]any) any {
	switch t := v.(type) {
	case string:
		return resolveReference(t, results)
	case map[string]any:
		return resolveParams(t, results)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveValue(item, results)
		}
		return out
	default:
		return v
	}
}

// resolveReference replaces a string of the exact form ${step.key} with the
// key of that step's result. Everything after the first dot is the key.
// References to steps without a result are returned unchanged.
func resolveReference(s string, results map[string]map[string]any) any {
	if len(s) < 3 || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}

	stepName, key, ok := strings.Cut(s[2:len(s)-1], ".")
	if !ok {
		return s
	}

	result, ok := results[stepName]
	if !ok {
		return s
	}
	return result[key]
}

// DiagnoseDependencies explains why a set of step definitions cannot be
// fully scheduled: dependencies on unknown steps and dependency cycles. It
// returns nil when every step is reachable.
func DiagnoseDependencies(defs []StepDefinition) []string {
	deps := make(map[string][]string, len(defs))
	for _, d := range defs {
		deps[d.Name] = d.DependsOn
	}

	var problems []string
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := deps[dep]; !ok {
				problems = append(problems, fmt.Sprintf("step %s depends on unknown step %s", d.Name, dep))
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(defs))
	seen := make(map[string]bool)
	var path []string

	var visit func(name string)
	visit = func(name string) {
		state[name] = visiting
		path = append(path, name)
		for _, dep := range deps[name] {
			if _, ok := deps[dep]; !ok {
				continue
			}
			switch state[dep] {
			case unvisited:
				visit(dep)
			case visiting:
				cycle := cyclePath(path, dep)
				key := canonicalCycle(cycle)
				if !seen[key] {
					seen[key] = true
					problems = append(problems, "dependency cycle: "+strings.Join(cycle, " -> "))
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = done
	}

	for _, d := range defs {
		if state[d.Name] == unvisited {
			visit(d.Name)
		}
	}
	return problems
}

func cyclePath(path []string, start string) []string {
	for i, name := range path {
		if name == start {
			cycle := append([]string(nil), path[i:]...)
			return append(cycle, start)
		}
	}
	return []string{start, start}
}

func canonicalCycle(cycle []string) string {
	members := append([]string(nil), cycle[:len(cycle)-1]...)
	sort.Strings(members)
	return strings.Join(members, ",")
}
