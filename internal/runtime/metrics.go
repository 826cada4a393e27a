package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks transport statistics. Collectors work unregistered, so
// tests and metric-disabled deployments pay nothing for them.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	callsPublished   *prometheus.CounterVec
	callsHandled     *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	callTimeouts     *prometheus.CounterVec
	resultsDiscarded prometheus.Counter
	reclaimedTotal   *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDelivered  *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streambus",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the transport metrics collectors. A nil registerer
// falls back to the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		callsPublished: newCounterVec("rpc", "calls_published_total", "Total procedure calls appended to request streams", []string{"api", "procedure"}),
		callsHandled:   newCounterVec("rpc", "calls_handled_total", "Total call entries processed by workers, by outcome", []string{"api", "procedure", "status"}),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streambus",
				Subsystem: "rpc",
				Name:      "handler_duration_seconds",
				Help:      "Procedure handler execution time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"api", "procedure"},
		),
		callTimeouts: newCounterVec("rpc", "call_timeouts_total", "Total calls that expired before a result arrived", []string{"api", "procedure"}),
		resultsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streambus",
			Subsystem: "rpc",
			Name:      "results_discarded_total",
			Help:      "Total result messages with no registered waiter (late or duplicate delivery)",
		}),
		reclaimedTotal:  newCounterVec("broker", "entries_reclaimed_total", "Total entries reclaimed from presumed-dead consumers", []string{"stream"}),
		eventsPublished: newCounterVec("event", "published_total", "Total events appended to event streams", []string{"api", "event"}),
		eventsDelivered: newCounterVec("event", "delivered_total", "Total event deliveries to consumer groups, by outcome", []string{"api", "event", "group", "status"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.callsPublished,
		m.callsHandled,
		m.callDuration,
		m.callTimeouts,
		m.resultsDiscarded,
		m.reclaimedTotal,
		m.eventsPublished,
		m.eventsDelivered,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) callPublished(api, procedure string) {
	m.callsPublished.WithLabelValues(api, procedure).Inc()
}

func (m *Metrics) callHandled(api, procedure, status string, elapsed time.Duration) {
	m.callsHandled.WithLabelValues(api, procedure, status).Inc()
	if elapsed > 0 {
		m.callDuration.WithLabelValues(api, procedure).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) callTimedOut(api, procedure string) {
	m.callTimeouts.WithLabelValues(api, procedure).Inc()
}

func (m *Metrics) resultDiscarded() {
	m.resultsDiscarded.Inc()
}

func (m *Metrics) reclaimed(stream string, count int) {
	m.reclaimedTotal.WithLabelValues(stream).Add(float64(count))
}

func (m *Metrics) eventPublished(api, event string) {
	m.eventsPublished.WithLabelValues(api, event).Inc()
}

func (m *Metrics) eventDelivered(api, event, group, status string) {
	m.eventsDelivered.WithLabelValues(api, event, group, status).Inc()
}
