package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// HandlerRequest is what an in-process handler receives for one dispatch.
type HandlerRequest struct {
	Method     string
	Path       string
	PathParams map[string]string
	Params     map[string]any
	Headers    map[string]string
}

// HandlerFunc serves one in-process route. The returned value is normalized
// to a mapping by the router.
type HandlerFunc func(ctx context.Context, req *HandlerRequest) (any, error)

// HandlerSet is the route table of an in-process module. Routes are compiled
// when they are added: static routes go into a map keyed by method and path,
// parameterised routes into a per-method segment tree. Lookups match whole
// segments only.
type HandlerSet struct {
	static map[string]*route
	trees  map[string]*node
	routes []string
}

type route struct {
	pattern string
	handler HandlerFunc
}

type node struct {
	children  map[string]*node
	param     *node
	paramName string
	route     *route
}

var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

func NewHandlerSet() *HandlerSet {
	return &HandlerSet{
		static: make(map[string]*route),
		trees:  make(map[string]*node),
	}
}

// Handle adds a route. Pattern segments of the form {name} capture a path
// parameter. Registering the same method and pattern twice, or two different
// parameter names at the same position, is an error.
func (h *HandlerSet) Handle(method, pattern string, fn HandlerFunc) error {
	method, err := NormalizeMethod(method)
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("handler for %s %s is nil", method, pattern)
	}

	segments := splitPath(pattern)
	normalized := "/" + strings.Join(segments, "/")
	r := &route{pattern: normalized, handler: fn}

	if !hasParams(segments) {
		key := routeKey(method, normalized)
		if _, exists := h.static[key]; exists {
			return fmt.Errorf("route %s already registered", key)
		}
		h.static[key] = r
		h.routes = append(h.routes, key)
		return nil
	}

	root, ok := h.trees[method]
	if !ok {
		root = &node{}
		h.trees[method] = root
	}

	current := root
	for _, seg := range segments {
		if name, isParam := paramName(seg); isParam {
			if name == "" {
				return fmt.Errorf("route %s %s has an empty parameter name", method, pattern)
			}
			if current.param == nil {
				current.param = &node{paramName: name}
			} else if current.param.paramName != name {
				return fmt.Errorf("route %s %s: parameter {%s} conflicts with {%s}",
					method, pattern, name, current.param.paramName)
			}
			current = current.param
			continue
		}

		if current.children == nil {
			current.children = make(map[string]*node)
		}
		next, ok := current.children[seg]
		if !ok {
			next = &node{}
			current.children[seg] = next
		}
		current = next
	}

	if current.route != nil {
		return fmt.Errorf("route %s already registered", routeKey(method, current.route.pattern))
	}
	current.route = r
	h.routes = append(h.routes, routeKey(method, normalized))
	return nil
}

// MustHandle is Handle for module wiring at startup.
func (h *HandlerSet) MustHandle(method, pattern string, fn HandlerFunc) *HandlerSet {
	if err := h.Handle(method, pattern, fn); err != nil {
		panic(err)
	}
	return h
}

// Lookup finds the handler for a concrete path. Static routes win over
// parameterised ones.
func (h *HandlerSet) Lookup(method, path string) (HandlerFunc, map[string]string, bool) {
	method = strings.ToUpper(method)
	segments := splitPath(path)

	if r, ok := h.static[routeKey(method, "/"+strings.Join(segments, "/"))]; ok {
		return r.handler, map[string]string{}, true
	}

	root, ok := h.trees[method]
	if !ok {
		return nil, nil, false
	}

	params := make(map[string]string)
	r := match(root, segments, params)
	if r == nil {
		return nil, nil, false
	}
	return r.handler, params, true
}

// Routes lists registered routes as "METHOD /pattern", sorted.
func (h *HandlerSet) Routes() []string {
	out := append([]string(nil), h.routes...)
	sort.Strings(out)
	return out
}

func match(n *node, segments []string, params map[string]string) *route {
	if len(segments) == 0 {
		return n.route
	}

	seg := segments[0]
	if next, ok := n.children[seg]; ok {
		if r := match(next, segments[1:], params); r != nil {
			return r
		}
	}

	if n.param != nil {
		params[n.param.paramName] = seg
		if r := match(n.param, segments[1:], params); r != nil {
			return r
		}
		delete(params, n.param.paramName)
	}
	return nil
}

// NormalizeMethod upper-cases method and rejects anything but GET, POST, PUT
// and DELETE. An empty method defaults to POST.
func NormalizeMethod(method string) (string, error) {
	if method == "" {
		return http.MethodPost, nil
	}
	m := strings.ToUpper(method)
	if !supportedMethods[m] {
		return "", fmt.Errorf("unsupported method: %s", method)
	}
	return m, nil
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

func hasParams(segments []string) bool {
	for _, seg := range segments {
		if _, ok := paramName(seg); ok {
			return true
		}
	}
	return false
}

func paramName(seg string) (string, bool) {
	if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

func routeKey(method, path string) string {
	return method + " " + path
}
