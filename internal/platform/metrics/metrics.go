package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the restreamer.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	commandsTotal       *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	pipelineEventsTotal *prometheus.CounterVec
	currentIndex        prometheus.Gauge
	ready               prometheus.Gauge
}

// New creates and registers Prometheus metrics for the restreamer.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "restream_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "restream_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	commandsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restream_commands_total",
		Help: "Control commands accepted, by command",
	}, []string{"command"})
	transitionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restream_transitions_total",
		Help: "Pipeline restarts performed by the supervisor, by cause",
	}, []string{"cause"})
	pipelineEventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "restream_pipeline_events_total",
		Help: "Diagnostic pipeline events (source_unavailable, pipeline_crashed, timeout, skipped, finished)",
	}, []string{"kind"})
	currentIndex := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "restream_current_index",
		Help: "1-based playlist index currently selected",
	})
	ready := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "restream_ready",
		Help: "1 when the current generation is ready to be consumed",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		commandsTotal,
		transitionsTotal,
		pipelineEventsTotal,
		currentIndex,
		ready,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		commandsTotal:       commandsTotal,
		transitionsTotal:    transitionsTotal,
		pipelineEventsTotal: pipelineEventsTotal,
		currentIndex:        currentIndex,
		ready:               ready,
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

// IncCommand counts an accepted control command.
func (m *Metrics) IncCommand(command string) {
	m.commandsTotal.WithLabelValues(command).Inc()
}

// IncTransition counts a supervisor restart.
func (m *Metrics) IncTransition(cause string) {
	m.transitionsTotal.WithLabelValues(cause).Inc()
}

// IncPipelineEvent counts a diagnostic pipeline event.
func (m *Metrics) IncPipelineEvent(kind string) {
	m.pipelineEventsTotal.WithLabelValues(kind).Inc()
}

// SetCurrent publishes the selected index and its readiness.
func (m *Metrics) SetCurrent(index int, ready bool) {
	m.currentIndex.Set(float64(index))
	if ready {
		m.ready.Set(1)
	} else {
		m.ready.Set(0)
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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
