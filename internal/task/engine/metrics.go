package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	runsStarted    *prometheus.CounterVec
	runsRejected   *prometheus.CounterVec
	runsActive     prometheus.Gauge
	workersActive  prometheus.Gauge
	workerOutcomes *prometheus.CounterVec
	admissionWait  prometheus.Histogram
	throttleWaits  *prometheus.CounterVec
	proxyLeases    *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetbot", Subsystem: "engine", Name: "runs_started_total",
			Help: "Task runs admitted, by action kind.",
		}, []string{"kind"}),
		runsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetbot", Subsystem: "engine", Name: "runs_rejected_total",
			Help: "Task starts refused, by reason.",
		}, []string{"reason"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetbot", Subsystem: "engine", Name: "runs_active",
			Help: "Task runs in progress.",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetbot", Subsystem: "engine", Name: "workers_admitted",
			Help: "Account workers holding an admission slot.",
		}),
		workerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetbot", Subsystem: "engine", Name: "worker_outcomes_total",
			Help: "Account worker terminal outcomes.",
		}, []string{"kind", "outcome"}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetbot", Subsystem: "engine", Name: "admission_wait_seconds",
			Help:    "Time account workers waited for an admission slot.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		throttleWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetbot", Subsystem: "engine", Name: "throttle_waits_total",
			Help: "Provider throttle waits, by operation.",
		}, []string{"op"}),
		proxyLeases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetbot", Subsystem: "engine", Name: "proxy_leases_total",
			Help: "Connections by proxy usage (leased or direct).",
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.runsStarted, m.runsRejected, m.runsActive, m.workersActive,
			m.workerOutcomes, m.admissionWait, m.throttleWaits, m.proxyLeases)
	}
	return m
}

func (m *Metrics) runStarted(kind string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(kind).Inc()
	m.runsActive.Inc()
}

func (m *Metrics) runFinished() {
	if m == nil {
		return
	}
	m.runsActive.Dec()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.runsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) admitted(waitSeconds float64) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(waitSeconds)
	m.workersActive.Inc()
}

func (m *Metrics) released() {
	if m == nil {
		return
	}
	m.workersActive.Dec()
}

func (m *Metrics) outcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.workerOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) throttled(op string) {
	if m == nil {
		return
	}
	m.throttleWaits.WithLabelValues(op).Inc()
}

func (m *Metrics) proxy(leased bool) {
	if m == nil {
		return
	}
	mode := "direct"
	if leased {
		mode = "leased"
	}
	m.proxyLeases.WithLabelValues(mode).Inc()
}
