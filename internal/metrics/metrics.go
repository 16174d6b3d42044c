// Package metrics defines the Prometheus instruments exported by hokhau-data.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	RequestsSubmitted *prometheus.CounterVec
	RequestsReviewed  *prometheus.CounterVec
	HouseholdsCreated prometheus.Counter
	HouseholdChanges  *prometheus.CounterVec
	FeedbackMerged    prometheus.Counter
	FeedbackClosed    *prometheus.CounterVec
	EventsPublished   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hokhau_requests_submitted_total",
			Help: "Citizen requests accepted into PENDING, by type",
		}, []string{"type"}),
		RequestsReviewed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hokhau_requests_reviewed_total",
			Help: "Review outcomes by request type (approved, rejected, failed)",
		}, []string{"type", "outcome"}),
		HouseholdsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "hokhau_households_created_total",
			Help: "Households created, directly or by a split",
		}),
		HouseholdChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hokhau_household_head_changes_total",
			Help: "Head designations by kind (activate, change_head)",
		}, []string{"kind"}),
		FeedbackMerged: f.NewCounter(prometheus.CounterOpts{
			Name: "hokhau_feedback_merged_total",
			Help: "Feedback reports folded into a primary",
		}),
		FeedbackClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hokhau_feedback_closed_total",
			Help: "Primary feedback closed by status (resolved, rejected)",
		}, []string{"status"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hokhau_events_published_total",
			Help: "Domain events delivered per sink and result",
		}, []string{"sink", "result"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hokhau_operation_duration_seconds",
			Help:    "Engine operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// ObserveSince records the elapsed time for operation. Safe on a nil receiver.
func (m *Metrics) ObserveSince(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ReviewOutcome increments RequestsReviewed. Safe on a nil receiver.
func (m *Metrics) ReviewOutcome(requestType, outcome string) {
	if m == nil {
		return
	}
	m.RequestsReviewed.WithLabelValues(requestType, outcome).Inc()
}

func (m *Metrics) Submitted(requestType string) {
	if m == nil {
		return
	}
	m.RequestsSubmitted.WithLabelValues(requestType).Inc()
}

func (m *Metrics) HouseholdCreated() {
	if m == nil {
		return
	}
	m.HouseholdsCreated.Inc()
}

func (m *Metrics) HeadDesignated(kind string) {
	if m == nil {
		return
	}
	m.HouseholdChanges.WithLabelValues(kind).Inc()
}

func (m *Metrics) Merged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FeedbackMerged.Add(float64(n))
}

func (m *Metrics) FeedbackClosedAs(status string) {
	if m == nil {
		return
	}
	m.FeedbackClosed.WithLabelValues(status).Inc()
}

func (m *Metrics) Published(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(sink, result).Inc()
}
