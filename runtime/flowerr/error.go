// Package flowerr holds the error taxonomy shared by the workflow runtime and
// the dispatch router.
package flowerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kinds map one to one onto the sentinel errors
// below so callers can branch with errors.Is.
type Kind string

const (
	KindValidation           Kind = "validation"
	KindDependencyResolution Kind = "dependency_resolution"
	KindServiceNotFound      Kind = "service_not_found"
	KindRouting              Kind = "routing"
	KindTransport            Kind = "transport"
	KindCancelled            Kind = "cancelled"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrDependencyResolution = errors.New("cannot resolve step dependencies")
	ErrServiceNotFound      = errors.New("service not found")
	ErrRouting              = errors.New("routing error")
	ErrTransport            = errors.New("transport error")
	ErrCancelled            = errors.New("execution cancelled")
)

var sentinels = map[Kind]error{
	KindValidation:           ErrValidation,
	KindDependencyResolution: ErrDependencyResolution,
	KindServiceNotFound:      ErrServiceNotFound,
	KindRouting:              ErrRouting,
	KindTransport:            ErrTransport,
	KindCancelled:            ErrCancelled,
}

// Error is the canonical error propagated through dispatch and execution.
type Error struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Step       string `json:"step,omitempty"`
	Service    string `json:"service,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       string `json:"body,omitempty"`
	Cause      error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// ToMap converts the error to a map suitable for JSON responses and
// persisted execution records.
func (e *Error) ToMap() map[string]any {
	m := map[string]any{
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	if e.Step != "" {
		m["step"] = e.Step
	}
	if e.Service != "" {
		m["service"] = e.Service
	}
	if e.StatusCode != 0 {
		m["status_code"] = e.StatusCode
	}
	if e.Body != "" {
		m["body"] = e.Body
	}
	return m
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func DependencyResolution(format string, args ...any) *Error {
	return &Error{Kind: KindDependencyResolution, Message: fmt.Sprintf(format, args...)}
}

func ServiceNotFound(service string) *Error {
	return &Error{
		Kind:    KindServiceNotFound,
		Message: fmt.Sprintf("service %s not found", service),
		Service: service,
	}
}

// Routing builds a routing error. statusCode and body are zero for
// in-process routing failures.
func Routing(service string, statusCode int, body string, format string, args ...any) *Error {
	return &Error{
		Kind:       KindRouting,
		Message:    fmt.Sprintf(format, args...),
		Service:    service,
		StatusCode: statusCode,
		Body:       body,
	}
}

func Transport(service string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: fmt.Sprintf(format, args...),
		Service: service,
		Cause:   cause,
	}
}

func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Message: "execution cancelled", Cause: cause}
}
