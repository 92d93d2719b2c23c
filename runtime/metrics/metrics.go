// Package metrics exposes workflow and dispatch outcomes as Prometheus
// metrics. A Recorder satisfies both runtime.Observer and router.Observer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/router"
)

const namespace = "flowgate"

var (
	_ runtime.Observer = (*Recorder)(nil)
	_ router.Observer  = (*Recorder)(nil)
)

// Recorder owns a private registry so several instances never collide.
type Recorder struct {
	registry *prometheus.Registry

	WorkflowExecutions *prometheus.CounterVec
	WorkflowDuration   *prometheus.HistogramVec
	StepAttempts       *prometheus.CounterVec
	Dispatches         *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	ModuleHealthy      *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		WorkflowExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of finished workflow executions",
		}, []string{"status"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Duration of workflow executions in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		StepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Total number of step dispatch attempts",
		}, []string{"service", "outcome"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of module dispatches",
		}, []string{"service", "target", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of module dispatches in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "target"}),
		ModuleHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "module_healthy",
			Help:      "1 when the last health probe of a module succeeded",
		}, []string{"module"}),
	}

	reg.MustRegister(
		r.WorkflowExecutions,
		r.WorkflowDuration,
		r.StepAttempts,
		r.Dispatches,
		r.DispatchDuration,
		r.ModuleHealthy,
	)
	return r
}

// TrackActive exposes the number of in-flight executions as reported by fn.
func (r *Recorder) TrackActive(fn func() int) {
	r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workflows",
		Help:      "Number of currently executing workflows",
	}, func() float64 { return float64(fn()) }))
}

func (r *Recorder) ObserveWorkflow(status runtime.Status, d time.Duration) {
	r.WorkflowExecutions.WithLabelValues(string(status)).Inc()
	r.WorkflowDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (r *Recorder) ObserveStepAttempt(service string, err error) {
	r.StepAttempts.WithLabelValues(service, outcome(err)).Inc()
}

func (r *Recorder) ObserveDispatch(service, target string, err error, d time.Duration) {
	r.Dispatches.WithLabelValues(service, target, outcome(err)).Inc()
	r.DispatchDuration.WithLabelValues(service, target).Observe(d.Seconds())
}

func (r *Recorder) ObserveModuleHealth(module string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	r.ModuleHealthy.WithLabelValues(module).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// outcome is "success", the error kind, or "error" for untyped errors.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind := flowerr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
