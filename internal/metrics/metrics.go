// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proc_enroller"

// Drop reasons.
const (
	DropFraming   = "framing"
	DropConnector = "connector"
	DropRecord    = "record"
	DropGone      = "process_gone"
	DropLookup    = "lookup_error"
	DropNoMatch   = "no_match"
)

// KindUnsupported labels every event without structured fields, so unknown
// discriminants cannot grow the label set.
const KindUnsupported = "unsupported"

// Enrollment results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the pipeline counters on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	datagrams   prometheus.Counter
	events      *prometheus.CounterVec
	drops       *prometheus.CounterVec
	enrollments *prometheus.CounterVec
}

// New creates and registers the pipeline counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams read from the process connector socket.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_decoded_total",
			Help:      "Process events decoded, by kind.",
		}, []string{"kind"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Messages or events dropped, by reason.",
		}, []string{"reason"}),
		enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Group enrollment attempts, by group and result.",
		}, []string{"group", "result"}),
	}

	m.registry.MustRegister(
		m.datagrams,
		m.events,
		m.drops,
		m.enrollments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry holding the counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Datagram counts one datagram read from the socket.
func (m *Metrics) Datagram() {
	if m == nil {
		return
	}
	m.datagrams.Inc()
}

// Event counts one decoded event of the given kind.
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// Drop counts one dropped message or event.
func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}

// Enrollment counts one enrollment attempt.
func (m *Metrics) Enrollment(group string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.enrollments.WithLabelValues(group, result).Inc()
}
