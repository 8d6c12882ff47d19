// Package metrics holds the Prometheus collectors of the notifier. All
// methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for API requests.
const (
	OutcomeOK          = "ok"
	OutcomeHTTPError   = "http_error"
	OutcomeTransport   = "transport_error"
	OutcomeDecodeError = "decode_error"
)

// Metrics groups every collector exported by the notifier.
type Metrics struct {
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	APIRequests   *prometheus.CounterVec
	APIDuration   *prometheus.HistogramVec
	Notifications *prometheus.CounterVec
	HistoryPairs  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cowin_notifier_cycles_total",
			Help: "Number of completed scan cycles",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cowin_notifier_cycle_duration_seconds",
			Help:    "Duration of a full scan cycle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowin_notifier_api_requests_total",
			Help: "Calendar API requests by region kind and outcome",
		}, []string{"kind", "outcome"}),
		APIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cowin_notifier_api_request_duration_seconds",
			Help:    "Duration of calendar API requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowin_notifier_notifications_total",
			Help: "Notification decisions by result (sent, suppressed, failed, welcome)",
		}, []string{"result"}),
		HistoryPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cowin_notifier_history_pairs",
			Help: "Recipient/center pairs held in notification history",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Cycles, m.CycleDuration, m.APIRequests, m.APIDuration, m.Notifications, m.HistoryPairs)
	}
	return m
}

// ObserveRequest records one calendar API call.
func (m *Metrics) ObserveRequest(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(kind, outcome).Inc()
	m.APIDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveCycle records a finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// AddNotifications adds n decisions with the given result label.
func (m *Metrics) AddNotifications(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Notifications.WithLabelValues(result).Add(float64(n))
}

// SetHistoryPairs updates the history size gauge.
func (m *Metrics) SetHistoryPairs(n int) {
	if m == nil {
		return
	}
	m.HistoryPairs.Set(float64(n))
}
