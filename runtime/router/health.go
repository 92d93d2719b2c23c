package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthCheck probes the named modules, or every registered module when no
// name is given, and returns healthy flags by module name. Probe failures are
// reported as unhealthy and never returned as errors; an unknown name is.
func (r *Router) HealthCheck(ctx context.Context, names ...string) (map[string]bool, error) {
	if len(names) == 0 {
		names = r.Names()
	}

	mods := make([]Registration, 0, len(names))
	for _, name := range names {
		mod, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		mods = append(mods, mod)
	}

	var (
		mu     sync.Mutex
		result = make(map[string]bool, len(mods))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, mod := range mods {
		g.Go(func() error {
			healthy := r.probe(gctx, mod)
			mu.Lock()
			result[mod.Name] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

func (r *Router) probe(ctx context.Context, mod Registration) bool {
	if mod.Internal() || mod.HealthCheckEndpoint == "" {
		r.setHealth(mod.Name, true, time.Now())
		r.observer.ObserveModuleHealth(mod.Name, true)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	url := joinURL(mod.ServiceURL, mod.HealthCheckEndpoint)
	healthy := false
	resp, err := r.client.R().SetContext(ctx).Get(url)
	if err != nil {
		r.l.WarnContext(ctx, "Module health check failed",
			"module", mod.Name,
			"url", url,
			"error", err)
	} else {
		healthy = resp.StatusCode() == http.StatusOK
	}

	r.setHealth(mod.Name, healthy, time.Now())
	r.observer.ObserveModuleHealth(mod.Name, healthy)
	return healthy
}

// MonitorHealth probes all modules every interval until ctx is done.
func (r *Router) MonitorHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health, _ := r.HealthCheck(ctx)
			r.l.DebugContext(ctx, "Module health checked", "health", health)
		}
	}
}
