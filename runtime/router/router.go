// Package router resolves module names and dispatches calls either to an
// in-process handler table or to a remote HTTP service.
package router

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/value"
)

var tracer = otel.Tracer("github.com/BDNK1/flowgate/runtime/router")

// Config holds the outbound HTTP settings.
type Config struct {
	Timeout       time.Duration `yaml:"timeout" default:"30s" validate:"gte=1s"`
	HealthTimeout time.Duration `yaml:"health_timeout" default:"5s" validate:"gte=100ms"`
	UserAgent     string        `yaml:"user_agent" default:"flowgate"`
	Debug         bool          `yaml:"debug" default:"false"`
}

// Observer receives dispatch and health outcomes.
type Observer interface {
	ObserveDispatch(service, target string, err error, d time.Duration)
	ObserveModuleHealth(module string, healthy bool)
}

type noopObserver struct{}

func (noopObserver) ObserveDispatch(string, string, error, time.Duration) {}
func (noopObserver) ObserveModuleHealth(string, bool)                     {}

// Request is one dispatch call.
type Request struct {
	Service  string
	Endpoint string
	Method   string
	Params   map[string]any
	Headers  map[string]string
	Timeout  time.Duration
}

type Router struct {
	*Registry
	l             *slog.Logger
	client        *resty.Client
	healthTimeout time.Duration
	observer      Observer
}

func New(l *slog.Logger, cfg Config, observer Observer) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if observer == nil {
		observer = noopObserver{}
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetDebug(cfg.Debug)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &Router{
		Registry:      NewRegistry(),
		l:             l,
		client:        client,
		healthTimeout: cfg.HealthTimeout,
		observer:      observer,
	}
}

// Register adds or replaces a module and logs it.
func (r *Router) Register(reg Registration) error {
	if err := r.Registry.Register(reg); err != nil {
		return err
	}
	target := ModuleTypeInternal
	if reg.Handlers == nil {
		target = reg.ServiceURL
	}
	r.l.Info("Registered module", "module", reg.Name, "target", target)
	return nil
}

// Dispatch executes req against the resolved module and returns its result
// as a mapping. Every failure is a *flowerr.Error; unclassified handler
// errors become routing errors wrapping the original.
func (r *Router) Dispatch(ctx context.Context, req Request) (result map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "router.Dispatch", trace.WithAttributes(
		attribute.String("service", req.Service),
		attribute.String("endpoint", req.Endpoint),
	))
	start := time.Now()
	target := "unknown"
	defer func() {
		r.observer.ObserveDispatch(req.Service, target, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	mod, err := r.Resolve(req.Service)
	if err != nil {
		return nil, err
	}

	method, err := NormalizeMethod(req.Method)
	if err != nil {
		return nil, flowerr.Validation("service %s: %v", req.Service, err)
	}
	span.SetAttributes(attribute.String("method", method))

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	if mod.Internal() {
		target = ModuleTypeInternal
		return r.dispatchInternal(ctx, mod, method, req)
	}
	target = ModuleTypeExternal
	return r.dispatchExternal(ctx, mod, method, req)
}

func (r *Router) dispatchInternal(ctx context.Context, mod Registration, method string, req Request) (map[string]any, error) {
	handler, pathParams, ok := mod.Handlers.Lookup(method, req.Endpoint)
	if !ok {
		return nil, flowerr.Routing(mod.Name, 0, "", "no route for %s %s in module %s", method, req.Endpoint, mod.Name)
	}

	params := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}

	out, err := invoke(ctx, handler, &HandlerRequest{
		Method:     method,
		Path:       req.Endpoint,
		PathParams: pathParams,
		Params:     params,
		Headers:    req.Headers,
	})
	if err != nil {
		return nil, handlerError(mod.Name, err, "%s %s in module %s failed", method, req.Endpoint, mod.Name)
	}

	result, err := value.Normalize(out)
	if err != nil {
		return nil, handlerError(mod.Name, err, "module %s returned an unserializable result", mod.Name)
	}
	return result, nil
}

// handlerError tags an in-process failure as a routing error. Errors the
// handler already classified keep their kind.
func handlerError(service string, err error, format string, args ...any) error {
	if flowerr.KindOf(err) != "" {
		return err
	}
	e := flowerr.Routing(service, 0, "", format, args...)
	e.Cause = err
	return e
}

func invoke(ctx context.Context, handler HandlerFunc, req *HandlerRequest) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler %s %s panicked: %v", req.Method, req.Path, p)
		}
	}()
	return handler(ctx, req)
}

func (r *Router) dispatchExternal(ctx context.Context, mod Registration, method string, req Request) (map[string]any, error) {
	url := joinURL(mod.ServiceURL, req.Endpoint)

	rq := r.client.R().
		SetContext(ctx).
		SetHeaders(req.Headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(rq.Header))

	switch method {
	case http.MethodGet, http.MethodDelete:
		rq.SetQueryParams(value.ToStringValueMap(req.Params))
	default:
		body := req.Params
		if body == nil {
			body = map[string]any{}
		}
		rq.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := rq.Execute(method, url)
	if err != nil {
		r.l.WarnContext(ctx, "External module call failed",
			"module", mod.Name,
			"method", method,
			"url", url,
			"error", err)
		return nil, flowerr.Transport(mod.Name, err, "%s %s failed", method, url)
	}

	if !resp.IsSuccess() {
		return nil, flowerr.Routing(mod.Name, resp.StatusCode(), resp.String(),
			"%s %s returned status %d", method, url, resp.StatusCode())
	}

	result, err := parseBody(resp.Body())
	if err != nil {
		return nil, flowerr.Routing(mod.Name, resp.StatusCode(), resp.String(),
			"%s %s returned an invalid JSON body: %v", method, url, err)
	}
	return result, nil
}

func parseBody(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}

	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return nil, err
	}
	if obj, ok := parsed.Data().(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{value.ResultKey: parsed.Data()}, nil
}

func joinURL(base, endpoint string) string {
	if endpoint == "" {
		return strings.TrimRight(base, "/")
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
