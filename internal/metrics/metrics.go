package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	queueJoined = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablequeue",
			Name:      "queue_joined_total",
			Help:      "Count of join requests by result (queued, immediate).",
		},
		[]string{"result"},
	)

	entriesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablequeue",
			Name:      "entries_resolved_total",
			Help:      "Count of queue entries leaving the ledger by outcome.",
		},
		[]string{"outcome"},
	)

	holdsOffered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablequeue",
			Name:      "holds_offered_total",
			Help:      "Count of table holds offered by reason.",
		},
		[]string{"reason"},
	)

	offerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tablequeue",
			Name:      "offer_conflicts_total",
			Help:      "Count of offers lost to a concurrent competitor.",
		},
	)

	activeEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tablequeue",
			Name:      "active_entries",
			Help:      "Active queue entries seen by the last scheduler tick.",
		},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tablequeue",
			Name:      "scheduler_tick_seconds",
			Help:      "Duration of one scheduler tick.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablequeue",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		},
		[]string{"route", "code"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(queueJoined, entriesResolved, holdsOffered, offerConflicts,
			activeEntries, tickDuration, httpRequests)
	})
}

func IncQueueJoined(result string) {
	queueJoined.WithLabelValues(result).Inc()
}

func IncEntryResolved(outcome string) {
	entriesResolved.WithLabelValues(outcome).Inc()
}

func IncHoldOffered(reason string) {
	holdsOffered.WithLabelValues(reason).Inc()
}

func IncOfferConflict() {
	offerConflicts.Inc()
}

func SetActiveEntries(n int) {
	activeEntries.Set(float64(n))
}

func ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

func IncHTTP(route string, code int) {
	httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
