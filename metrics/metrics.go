// Package metrics defines the Prometheus collectors of the trap pipeline.
//
// Collectors live on their own registry so tests and embedded use never
// touch the global default registry:
//
//	m := metrics.New()
//	http.Handle("/metrics", m.Handler())
//	m.TrapsReceived.Inc()
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "traprelay"

// Drop reasons used as the "reason" label of TrapsDropped.
const (
	ReasonQueueFull          = "queue_full"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonMalformed          = "malformed"
	ReasonNotATrap           = "not_a_trap"
	ReasonCommunityMismatch  = "community_mismatch"
	ReasonInvalidTrap        = "invalid_trap"
	ReasonPanic              = "panic"
)

// Result labels for RelayRequests and StoreWrites.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TrapsReceived       prometheus.Counter
	TrapsDropped        *prometheus.CounterVec
	TrapsProcessed      prometheus.Counter
	RelayRequests       *prometheus.CounterVec
	StoreWrites         *prometheus.CounterVec
	CorrelationDuration prometheus.Histogram
	QueueDepth          prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TrapsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_received_total",
			Help:      "Datagrams read from the trap socket.",
		}),
		TrapsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_dropped_total",
			Help:      "Datagrams dropped before relay, by reason.",
		}, []string{"reason"}),
		TrapsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_processed_total",
			Help:      "Traps that reached the relay stage.",
		}),
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relay POST attempts, by result.",
		}, []string{"result"}),
		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Interface record writes, by result.",
		}, []string{"result"}),
		CorrelationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_duration_seconds",
			Help:      "Time spent polling the sending device.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Datagrams waiting for a worker.",
		}),
	}

	m.registry.MustRegister(
		m.TrapsReceived,
		m.TrapsDropped,
		m.TrapsProcessed,
		m.RelayRequests,
		m.StoreWrites,
		m.CorrelationDuration,
		m.QueueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Received counts one datagram read from the socket.
func (m *Metrics) Received() {
	if m == nil {
		return
	}
	m.TrapsReceived.Inc()
}

// Dropped counts one datagram dropped for reason.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.TrapsDropped.WithLabelValues(reason).Inc()
}

// Processed counts one trap handed to the relay.
func (m *Metrics) Processed() {
	if m == nil {
		return
	}
	m.TrapsProcessed.Inc()
}

// Relayed counts one relay attempt.
func (m *Metrics) Relayed(err error) {
	if m == nil {
		return
	}
	m.RelayRequests.WithLabelValues(result(err)).Inc()
}

// Stored counts one store write.
func (m *Metrics) Stored(err error) {
	if m == nil {
		return
	}
	m.StoreWrites.WithLabelValues(result(err)).Inc()
}

// ObserveCorrelation records the duration of one correlation in seconds.
func (m *Metrics) ObserveCorrelation(seconds float64) {
	if m == nil {
		return
	}
	m.CorrelationDuration.Observe(seconds)
}

// SetQueueDepth records the number of queued datagrams.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
