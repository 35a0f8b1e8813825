package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for notice dispatch.
type Metrics struct {
	// NoticesTotal counts notices by result and kind.
	NoticesTotal *prometheus.CounterVec

	// SendDuration is the time to store and publish one notice.
	SendDuration prometheus.Histogram

	// Retries counts retry attempts.
	Retries prometheus.Counter

	// RateLimitWaits counts notices that waited for a token.
	RateLimitWaits prometheus.Counter
}

// NewMetrics creates notice metrics on reg. A nil reg builds unregistered collectors.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NoticesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notices_total",
				Help:      "Total number of notices by result and kind",
			},
			[]string{"result", "kind"},
		),

		SendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notice_send_duration_seconds",
				Help:      "Time to store and publish a notice",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1},
			},
		),

		Retries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notice_retries_total",
				Help:      "Total number of retry attempts",
			},
		),

		RateLimitWaits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notice_rate_limit_waits_total",
				Help:      "Total number of rate limit waits",
			},
		),
	}
}

func (m *Metrics) IncNotice(result string, kind Kind) {
	m.NoticesTotal.WithLabelValues(result, string(kind)).Inc()
}

func (m *Metrics) ObserveSendDuration(seconds float64) {
	m.SendDuration.Observe(seconds)
}

func (m *Metrics) IncRetries() {
	m.Retries.Inc()
}

func (m *Metrics) IncRateLimitWaits() {
	m.RateLimitWaits.Inc()
}
