package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts pipeline activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	eventsEnqueued  prometheus.Counter
	eventsDropped   prometheus.Counter
	eventsDelivered prometheus.Counter
	eventsFailed    prometheus.Counter
	batches         *prometheus.CounterVec
	retryDrains     *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

// NewMetrics creates the pipeline metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "events_enqueued_total",
			Help:      "Telemetry events accepted into the live queue",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "events_dropped_total",
			Help:      "Telemetry events dropped because no tracked user was signed in",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "events_delivered_total",
			Help:      "Telemetry events accepted by the backend",
		}),
		eventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "events_failed_total",
			Help:      "Telemetry events copied to the retry store after a failed flush",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "batches_total",
			Help:      "Batches handed to the backend, by result",
		}, []string{"result"}),
		retryDrains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Name:      "retry_drains_total",
			Help:      "Retry store drain attempts, by result",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beacon",
			Name:      "queue_depth",
			Help:      "Events waiting in the live queue",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsEnqueued,
			m.eventsDropped,
			m.eventsDelivered,
			m.eventsFailed,
			m.batches,
			m.retryDrains,
			m.queueDepth,
		)
	}
	return m
}

func (m *Metrics) enqueued(depth int) {
	if m == nil {
		return
	}
	m.eventsEnqueued.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) depth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) delivered(n int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues("delivered").Inc()
	m.eventsDelivered.Add(float64(n))
}

func (m *Metrics) failed(n int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues("failed").Inc()
	m.eventsFailed.Add(float64(n))
}

// RetryDrain records the outcome of a retry store drain: "delivered",
// "failed" or "empty".
func (m *Metrics) RetryDrain(result string) {
	if m == nil {
		return
	}
	m.retryDrains.WithLabelValues(result).Inc()
}
