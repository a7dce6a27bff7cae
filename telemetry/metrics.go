// Package telemetry holds the process-wide observability surface: a
// prometheus registry with every series the pipeline emits, an HTTP
// middleware for the gateway, and span helpers for stage transforms.
// The registry is an explicit dependency constructed at startup and
// threaded through components; nothing registers against the global
// default registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stageDurationBuckets covers the spread between a cached planning pass and
// a long coding run against a slow generator.
var stageDurationBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1200}

// Metrics bundles every series the pipeline exposes. One instance serves a
// whole process; components receive it at construction.
type Metrics struct {
	registry *prometheus.Registry

	// Stage worker series.
	StageMessagesIn   *prometheus.CounterVec
	StageMessagesOut  *prometheus.CounterVec
	StageErrors       *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	StageActiveTasks  *prometheus.GaugeVec
	StageRedeliveries *prometheus.CounterVec
	StageDeadlineHits *prometheus.CounterVec

	// Orchestrator series.
	PipelineRequestsActive prometheus.Gauge
	PipelineStageDwell     *prometheus.HistogramVec
	PipelineStalled        prometheus.Counter
	PipelineTerminal       *prometheus.CounterVec

	// Dashboard series.
	DashboardClients   prometheus.Gauge
	DashboardSlowDrops prometheus.Counter

	// Gateway series.
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	IngressBytes prometheus.Counter
}

// New builds a Metrics set backed by a fresh registry. The registry also
// carries the standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		StageMessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_messages_in_total",
			Help: "Envelopes consumed per stage, including redeliveries.",
		}, []string{"stage"}),
		StageMessagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_messages_out_total",
			Help: "Successor envelopes or completion events published per stage.",
		}, []string{"stage"}),
		StageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_errors_total",
			Help: "Transform failures per stage, split by retryability.",
		}, []string{"stage", "retryable"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_duration_seconds",
			Help:    "Wall time spent inside a stage transform.",
			Buckets: stageDurationBuckets,
		}, []string{"stage"}),
		StageActiveTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stage_active_tasks",
			Help: "Deliveries currently being processed per stage.",
		}, []string{"stage"}),
		StageRedeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_redeliveries_total",
			Help: "Deliveries seen with attempt greater than one, per stage.",
		}, []string{"stage"}),
		StageDeadlineHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_deadline_hits_total",
			Help: "Transforms cancelled by the per-delivery deadline.",
		}, []string{"stage"}),

		PipelineRequestsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_requests_active",
			Help: "Requests tracked by the orchestrator that are not terminal.",
		}),
		PipelineStageDwell: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_stage_dwell_seconds",
			Help:    "Time a request spent in a stage before progressing.",
			Buckets: stageDurationBuckets,
		}, []string{"stage"}),
		PipelineStalled: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_stalled_total",
			Help: "Stall marks applied by the orchestrator sweeper.",
		}),
		PipelineTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_terminal_total",
			Help: "Requests that reached a terminal phase, by outcome.",
		}, []string{"outcome"}),

		DashboardClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dashboard_clients",
			Help: "Connected dashboard observers.",
		}),
		DashboardSlowDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_slow_disconnects_total",
			Help: "Observers disconnected because their send buffer overflowed.",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Gateway requests by route and response status.",
		}, []string{"route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Gateway request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		IngressBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingress_bytes_total",
			Help: "Bytes accepted by the submission endpoints.",
		}),
	}
}

// Registry exposes the backing registry for custom registration in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
