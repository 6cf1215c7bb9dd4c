package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "beacon"

// Metrics are the ingestion collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsAccepted   *prometheus.CounterVec
	RequestsRejected *prometheus.CounterVec
	Reconciliations  *prometheus.CounterVec
	PushDuration     prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		EventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_accepted_total",
			Help:      "Events persisted, by data plane and event type.",
		}, []string{"plane", "type"}),
		RequestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "requests_rejected_total",
			Help:      "Push requests rejected, by error code.",
		}, []string{"code"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "jobs_total",
			Help:      "Identity reconciliation jobs, by outcome.",
		}, []string{"outcome"}),
		PushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "push_duration_seconds",
			Help:      "Time spent handling a push request.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.EventsAccepted, m.RequestsRejected, m.Reconciliations, m.PushDuration)
}

func (m *Metrics) Accepted(plane, eventType string) {
	if m == nil {
		return
	}
	m.EventsAccepted.WithLabelValues(plane, eventType).Inc()
}

func (m *Metrics) Rejected(code string) {
	if m == nil {
		return
	}
	m.RequestsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePush(seconds float64) {
	if m == nil {
		return
	}
	m.PushDuration.Observe(seconds)
}
