package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sync exposes the coordinator, probe and bus counters.
var Sync = metrics{
	attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentsync",
		Subsystem: "coordinator",
		Name:      "attempts_total",
		Help:      "Number of sync attempts by record kind and outcome (remote or fallback)",
	}, []string{
		"kind",
		"outcome",
	}),

	fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentsync",
		Subsystem: "coordinator",
		Name:      "fallbacks_total",
		Help:      "Number of sync attempts that degraded to the local fallback store, by reason",
	}, []string{
		"reason",
	}),

	queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "contentsync",
		Subsystem: "coordinator",
		Name:      "queue_depth",
		Help:      "Number of distinct record ids waiting behind the in-flight sync attempt",
	}),

	probes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentsync",
		Subsystem: "probe",
		Name:      "checks_total",
		Help:      "Number of availability probes by result",
	}, []string{
		"available",
	}),

	published: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contentsync",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Number of broadcast messages published by topic and type",
	}, []string{
		"topic",
		"type",
	}),
}

type metrics struct {
	attempts   *prometheus.CounterVec
	fallbacks  *prometheus.CounterVec
	queueDepth prometheus.Gauge
	probes     *prometheus.CounterVec
	published  *prometheus.CounterVec
}

func init() {
	prometheus.MustRegister(Sync.attempts)
	prometheus.MustRegister(Sync.fallbacks)
	prometheus.MustRegister(Sync.queueDepth)
	prometheus.MustRegister(Sync.probes)
	prometheus.MustRegister(Sync.published)
}

func (m *metrics) RemoteCommitted(kind string) {
	m.attempts.WithLabelValues(kind, "remote").Inc()
}

func (m *metrics) FellBack(kind, reason string) {
	m.attempts.WithLabelValues(kind, "fallback").Inc()
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *metrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *metrics) Probed(available bool) {
	if available {
		m.probes.WithLabelValues("true").Inc()
		return
	}
	m.probes.WithLabelValues("false").Inc()
}

func (m *metrics) Published(topic, msgType string) {
	m.published.WithLabelValues(topic, msgType).Inc()
}
