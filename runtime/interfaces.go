package runtime

import (
	"context"
	"time"

	"github.com/BDNK1/flowgate/runtime/router"
)

// Dispatcher executes one step call against a module. *router.Router
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.Request) (map[string]any, error)
}

// KVStore is the persisted key-value collaborator. Values are JSON encoded by
// implementations; Get decodes into dst and reports whether the key existed.
// A zero ttl means no expiry.
type KVStore interface {
	Get(ctx context.Context, namespace, key string, dst any) (bool, error)
	Set(ctx context.Context, namespace, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
}

// Observer receives execution outcomes, typically for metrics.
type Observer interface {
	ObserveWorkflow(status Status, d time.Duration)
	ObserveStepAttempt(service string, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveWorkflow(Status, time.Duration) {}
func (noopObserver) ObserveStepAttempt(string, error)     {}
