package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/router"
)

// DefaultBackoffUnit is the wait after the first failed attempt. The wait
// grows linearly: attempt n waits n units.
const DefaultBackoffUnit = time.Second

// StepExecutor dispatches one step and applies its retry policy.
type StepExecutor struct {
	l           *slog.Logger
	dispatcher  Dispatcher
	backoffUnit time.Duration
	observer    Observer
}

func NewStepExecutor(l *slog.Logger, dispatcher Dispatcher, backoffUnit time.Duration, observer Observer) *StepExecutor {
	if backoffUnit < 0 {
		backoffUnit = DefaultBackoffUnit
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &StepExecutor{
		l:           l,
		dispatcher:  dispatcher,
		backoffUnit: backoffUnit,
		observer:    observer,
	}
}

// ExecuteStep dispatches def with params, making at most 1+RetryCount
// attempts. It returns the result, the number of attempts made and, when
// every attempt failed, the last error.
func (e *StepExecutor) ExecuteStep(ctx context.Context, def StepDefinition, params map[string]any) (map[string]any, int, error) {
	req := router.Request{
		Service:  def.Service,
		Endpoint: def.Endpoint,
		Method:   def.Method,
		Params:   params,
		Timeout:  def.TimeoutDuration(),
	}

	maxAttempts := def.RetryCount + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.dispatcher.Dispatch(ctx, req)
		e.observer.ObserveStepAttempt(def.Service, err)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, attempt, flowerr.Cancelled(ctx.Err())
		}
		if attempt == maxAttempts {
			break
		}

		delay := time.Duration(attempt) * e.backoffUnit
		e.l.WarnContext(ctx, fmt.Sprintf("[%d/%d] Retrying step: %s", attempt, def.RetryCount, def.Name),
			"service", def.Service,
			"endpoint", def.Endpoint,
			"delay", delay,
			"error", err)

		if err := sleep(ctx, delay); err != nil {
			return nil, attempt, flowerr.Cancelled(err)
		}
	}

	return nil, maxAttempts, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
