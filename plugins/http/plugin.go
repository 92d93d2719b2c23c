// Package http is the built-in "http" module: a generic outbound HTTP call
// that workflow steps can point at any URL, independent of the registered
// external modules.
package http

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BDNK1/flowgate/plugins/plugin"
	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/router"
)

const Name = "http"

const (
	ContentTypeJSON = "json"
	ContentTypeForm = "form"
)

// Config holds the HTTP module configuration with declarative tags
type Config struct {
	Timeout     time.Duration `yaml:"timeout" default:"30s" validate:"gte=1s"`
	MaxRetries  int           `yaml:"max_retries" default:"0" validate:"gte=0,lte=10"`
	Debug       bool          `yaml:"debug" default:"false"`
	RetryWaitMS int           `yaml:"retry_wait_ms" default:"100" validate:"gte=0,lte=10000"`
}

// RequestInput defines the typed input for HTTP requests
type RequestInput struct {
	URL         string            `json:"url" validate:"required,url"`
	Method      string            `json:"method" default:"GET" validate:"oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"query_parameters"`
	Body        map[string]any    `json:"body"`
	ContentType string            `json:"content_type" default:"json" validate:"oneof=json form"`
}

// RequestOutput defines the typed output for HTTP requests
type RequestOutput struct {
	Status     string         `json:"status"`
	StatusCode int            `json:"status_code"`
	IsError    bool           `json:"is_error"`
	Body       map[string]any `json:"body"`
	Raw        string         `json:"raw,omitempty"`
}

// Module performs HTTP requests described by step params. A response with
// an error status is a result, not a failure; only transport errors fail the
// step.
type Module struct {
	config Config
	client *resty.Client
}

var _ plugin.Module = (*Module)(nil)

// New expects a Config that already went through defaults and validation.
func New(cfg Config) *Module {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Duration(cfg.RetryWaitMS) * time.Millisecond).
		SetDebug(cfg.Debug)

	return &Module{config: cfg, client: client}
}

func (m *Module) Registration() router.Registration {
	return router.Registration{
		Name:     Name,
		Handlers: router.NewHandlerSet().MustHandle("POST", "/request", plugin.Handler(m.Request)),
	}
}

// Request executes an HTTP request using typed input/output
func (m *Module) Request(ctx context.Context, input RequestInput) (RequestOutput, error) {
	response := map[string]any{}
	errorResponse := map[string]any{}

	req := m.client.R().
		SetContext(ctx).
		SetHeaders(input.Headers).
		SetQueryParams(input.QueryParams).
		SetResult(&response).
		SetError(&errorResponse)

	if input.Body != nil {
		if input.ContentType == ContentTypeForm {
			req.SetFormData(flattenToFormData(input.Body, ""))
		} else {
			req.SetBody(input.Body)
		}
	}

	resp, err := req.Execute(input.Method, input.URL)
	if err != nil {
		return RequestOutput{}, flowerr.Transport(Name, err, "%s %s failed", input.Method, input.URL)
	}

	output := RequestOutput{
		Status:     resp.Status(),
		StatusCode: resp.StatusCode(),
		IsError:    resp.IsError(),
		Body:       response,
	}
	if resp.IsError() {
		output.Body = errorResponse
	}
	if len(output.Body) == 0 && len(resp.Body()) > 0 {
		output.Raw = resp.String()
	}
	return output, nil
}

// flattenToFormData encodes nested values with bracket notation:
// {"a": {"b": 1}, "c": ["x"]} becomes a[b]=1 and c[0]=x.
func flattenToFormData(data map[string]any, prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range data {
		key := k
		if prefix != "" {
			key = prefix + "[" + k + "]"
		}
		flattenValue(out, key, v)
	}
	return out
}

func flattenValue(out map[string]string, key string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range flattenToFormData(t, key) {
			out[k] = val
		}
	case []any:
		for i, item := range t {
			flattenValue(out, key+"["+strconv.Itoa(i)+"]", item)
		}
	case nil:
		out[key] = ""
	case string:
		out[key] = t
	case bool:
		out[key] = strconv.FormatBool(t)
	case int:
		out[key] = strconv.Itoa(t)
	case int64:
		out[key] = strconv.FormatInt(t, 10)
	case float64:
		out[key] = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		out[key] = fmt.Sprintf("%v", t)
	}
}
