package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the referral engine.
// Tracks committed transitions, rejections and lost races on the ledger.
type Metrics struct {
	TransitionsTotal   *prometheus.CounterVec
	RejectionsTotal    *prometheus.CounterVec
	ConflictsTotal     prometheus.Counter
	PublishFailures    prometheus.Counter
	TransitionDuration prometheus.Histogram
	TimelineDuration   prometheus.Histogram
}

// New registers the referral metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_transitions_total",
			Help: "Committed referral ledger entries by operation and target status",
		}, []string{"operation", "status"}),
		RejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "referral_rejections_total",
			Help: "Referral operations rejected before any write, by operation and reason",
		}, []string{"operation", "reason"}),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "referral_concurrent_modifications_total",
			Help: "Appends that lost the race on a case's active entry",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "referral_event_publish_failures_total",
			Help: "Committed transitions whose event could not be published",
		}),
		TransitionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "referral_transition_duration_seconds",
			Help:    "Duration of engine operations including the ledger append",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		TimelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "referral_timeline_duration_seconds",
			Help:    "Duration of timeline reads (ledger load plus reconstruction)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementTransition records a committed ledger entry.
func (m *Metrics) IncrementTransition(op, status string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(op, status).Inc()
}

// IncrementRejection records an operation refused before writing.
func (m *Metrics) IncrementRejection(op, reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(op, reason).Inc()
}

// IncrementConflict records a lost compare-and-swap on the active entry.
func (m *Metrics) IncrementConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

// IncrementPublishFailure records an event that was not delivered.
func (m *Metrics) IncrementPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// ObserveTransition records the duration of an engine operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveTransition(start time.Time) {
	if m == nil {
		return
	}
	m.TransitionDuration.Observe(time.Since(start).Seconds())
}

// ObserveTimeline records the duration of a timeline read.
func (m *Metrics) ObserveTimeline(start time.Time) {
	if m == nil {
		return
	}
	m.TimelineDuration.Observe(time.Since(start).Seconds())
}
