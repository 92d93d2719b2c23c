// Package plugin holds the glue shared by the built-in in-process modules.
//
// A module exposes typed operations:
//
//	func (m *Module) Get(ctx context.Context, in GetInput) (GetOutput, error)
//
// Handler turns such an operation into a router.HandlerFunc. Step params and
// path parameters are decoded into the input struct by json tag, defaults
// from `default` tags are applied and `validate` tags are checked before the
// operation runs. The output is normalized to a mapping by the router.
package plugin

import (
	"context"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/router"
	"github.com/BDNK1/flowgate/runtime/value"
)

// Handler adapts a typed operation. Path parameters win over step params of
// the same name.
func Handler[In, Out any](fn func(ctx context.Context, in In) (Out, error)) router.HandlerFunc {
	return func(ctx context.Context, req *router.HandlerRequest) (any, error) {
		args := make(map[string]any, len(req.Params)+len(req.PathParams))
		for k, v := range req.Params {
			args[k] = v
		}
		for k, v := range req.PathParams {
			args[k] = v
		}

		var in In
		if err := value.Decode(args, &in); err != nil {
			return nil, flowerr.Validation("invalid input for %s %s: %v", req.Method, req.Path, err)
		}
		if err := runtime.Prepare(&in); err != nil {
			return nil, flowerr.Validation("invalid input for %s %s: %v", req.Method, req.Path, err)
		}
		return fn(ctx, in)
	}
}

// Module is implemented by every built-in module.
type Module interface {
	Registration() router.Registration
}
