package router

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BDNK1/flowgate/runtime/flowerr"
)

const (
	ModuleTypeInternal = "internal"
	ModuleTypeExternal = "external"
)

// Registration describes one module. Exactly one of Handlers and ServiceURL
// is set.
type Registration struct {
	Name                string
	BasePath            string
	Handlers            *HandlerSet
	ServiceURL          string
	HealthCheckEndpoint string
	Healthy             bool
	LastHealthCheck     time.Time
}

func (r Registration) Internal() bool {
	return r.Handlers != nil
}

// ModuleInfo is the introspection view of a registration.
type ModuleInfo struct {
	Name            string     `json:"name"`
	BasePath        string     `json:"base_path"`
	Type            string     `json:"type"`
	ServiceURL      string     `json:"service_url,omitempty"`
	Healthy         bool       `json:"healthy"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	Routes          []string   `json:"routes,omitempty"`
}

// Registry holds module registrations by name. Health fields are updated in
// place by probes; readers may see a stale value.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Registration)}
}

// Register adds or replaces a module.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("module name is required")
	}
	if (reg.Handlers == nil) == (reg.ServiceURL == "") {
		return fmt.Errorf("module %s: exactly one of handlers or service URL must be set", reg.Name)
	}
	if reg.BasePath == "" {
		reg.BasePath = "/" + reg.Name
	}
	// Modules start healthy until a probe says otherwise.
	reg.Healthy = true

	r.mu.Lock()
	r.modules[reg.Name] = &reg
	r.mu.Unlock()
	return nil
}

// Unregister removes a module. It reports whether the module existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[name]; !ok {
		return false
	}
	delete(r.modules, name)
	return true
}

// Resolve returns a snapshot of the named registration.
func (r *Registry) Resolve(name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.modules[name]
	if !ok {
		return Registration{}, flowerr.ServiceNotFound(name)
	}
	return *reg, nil
}

// Names returns registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) List() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ModuleInfo, 0, len(r.modules))
	for _, reg := range r.modules {
		info := ModuleInfo{
			Name:     reg.Name,
			BasePath: reg.BasePath,
			Type:     ModuleTypeExternal,
			Healthy:  reg.Healthy,
		}
		if reg.Internal() {
			info.Type = ModuleTypeInternal
			info.Routes = reg.Handlers.Routes()
		} else {
			info.ServiceURL = reg.ServiceURL
		}
		if !reg.LastHealthCheck.IsZero() {
			checked := reg.LastHealthCheck
			info.LastHealthCheck = &checked
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) setHealth(name string, healthy bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.modules[name]; ok {
		reg.Healthy = healthy
		reg.LastHealthCheck = at
	}
}
