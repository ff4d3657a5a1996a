package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the rate limiter service.
type Metrics struct {
	ChecksTotal          *prometheus.CounterVec
	CheckLatencySeconds  prometheus.Histogram
	ConfigCacheTotal     *prometheus.CounterVec
	EventsPublishedTotal *prometheus.CounterVec
	PublisherBreakerOpen prometheus.Gauge
	EventsConsumedTotal  *prometheus.CounterVec
	EventsDuplicateTotal prometheus.Counter
	AlertsTotal          prometheus.Counter
	AlertWindowsActive   prometheus.Gauge
	RequestsTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered on reg.
// A nil reg registers on the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_total",
				Help:      "Total number of admission checks by outcome",
			},
			[]string{"outcome"},
		),
		CheckLatencySeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_latency_seconds",
				Help:      "Admission check latency in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		ConfigCacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_cache_total",
				Help:      "Config cache lookups by result",
			},
			[]string{"result"},
		),
		EventsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events handed to the broker by type and result",
			},
			[]string{"type", "result"},
		),
		PublisherBreakerOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "publisher_breaker_open",
				Help:      "1 when the event publisher circuit breaker is open",
			},
		),
		EventsConsumedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_consumed_total",
				Help:      "Events processed by the consumer by type",
			},
			[]string{"type"},
		),
		EventsDuplicateTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_duplicate_total",
				Help:      "Redelivered events discarded by the dedup gate",
			},
		),
		AlertsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "High block rate alerts raised",
			},
		),
		AlertWindowsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "alert_windows_active",
				Help:      "Per key alert windows currently tracked",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
	}
}

// RecordCheck records an admission outcome and its latency.
func (m *Metrics) RecordCheck(outcome string, seconds float64) {
	m.ChecksTotal.WithLabelValues(outcome).Inc()
	m.CheckLatencySeconds.Observe(seconds)
}

// RecordConfigCache records a config cache lookup result.
func (m *Metrics) RecordConfigCache(result string) {
	m.ConfigCacheTotal.WithLabelValues(result).Inc()
}

// RecordPublish records a publish attempt.
func (m *Metrics) RecordPublish(eventType, result string) {
	m.EventsPublishedTotal.WithLabelValues(eventType, result).Inc()
}

// SetBreakerOpen sets the publisher breaker gauge.
func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.PublisherBreakerOpen.Set(1)
		return
	}
	m.PublisherBreakerOpen.Set(0)
}

// RecordConsumed records a processed event.
func (m *Metrics) RecordConsumed(eventType string) {
	m.EventsConsumedTotal.WithLabelValues(eventType).Inc()
}

// RecordDuplicate records a discarded redelivery.
func (m *Metrics) RecordDuplicate() {
	m.EventsDuplicateTotal.Inc()
}

// RecordAlert records a raised alert.
func (m *Metrics) RecordAlert() {
	m.AlertsTotal.Inc()
}

// SetAlertWindows sets the tracked alert window count.
func (m *Metrics) SetAlertWindows(n int) {
	m.AlertWindowsActive.Set(float64(n))
}

// RecordRequest records an HTTP request.
func (m *Metrics) RecordRequest(method, endpoint, status string) {
	m.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
}
