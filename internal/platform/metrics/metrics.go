package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the camera stream service.
type Metrics struct {
	registry                   *prometheus.Registry
	requestsTotal              prometheus.Counter
	errorsTotal                prometheus.Counter
	pipelinesStartedTotal      prometheus.Counter
	pipelineStartFailuresTotal prometheus.Counter
	pipelinesStoppedTotal      prometheus.Counter
	supervisionFailuresTotal   prometheus.Counter
	admissionDeniedTotal       *prometheus.CounterVec
	activePipelines            prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	pipelinesStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_pipelines_started_total",
		Help: "Total number of pipelines that passed the start grace check",
	})
	pipelineStartFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_pipeline_start_failures_total",
		Help: "Total number of pipeline starts that failed",
	})
	pipelinesStoppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_pipelines_stopped_total",
		Help: "Total number of pipelines stopped on request",
	})
	supervisionFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "camstream_supervision_failures_total",
		Help: "Total number of pipelines torn down by the monitor",
	})
	admissionDeniedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "camstream_admission_denied_total",
		Help: "Total number of start requests refused by the admission gate",
	}, []string{"reason"})
	activePipelines := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "camstream_active_pipelines",
		Help: "Number of registered pipelines",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		pipelinesStartedTotal,
		pipelineStartFailuresTotal,
		pipelinesStoppedTotal,
		supervisionFailuresTotal,
		admissionDeniedTotal,
		activePipelines,
	)

	return &Metrics{
		registry:                   registry,
		requestsTotal:              requestsTotal,
		errorsTotal:                errorsTotal,
		pipelinesStartedTotal:      pipelinesStartedTotal,
		pipelineStartFailuresTotal: pipelineStartFailuresTotal,
		pipelinesStoppedTotal:      pipelinesStoppedTotal,
		supervisionFailuresTotal:   supervisionFailuresTotal,
		admissionDeniedTotal:       admissionDeniedTotal,
		activePipelines:            activePipelines,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

func (m *Metrics) IncPipelinesStarted() {
	m.pipelinesStartedTotal.Inc()
}

func (m *Metrics) IncPipelineStartFailures() {
	m.pipelineStartFailuresTotal.Inc()
}

func (m *Metrics) IncPipelinesStopped() {
	m.pipelinesStoppedTotal.Inc()
}

func (m *Metrics) IncSupervisionFailures() {
	m.supervisionFailuresTotal.Inc()
}

// IncAdmissionDenied counts a refused start labelled by the refusal reason.
func (m *Metrics) IncAdmissionDenied(reason string) {
	m.admissionDeniedTotal.WithLabelValues(reason).Inc()
}

// SetActivePipelines sets the active pipelines gauge.
func (m *Metrics) SetActivePipelines(n int) {
	m.activePipelines.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
