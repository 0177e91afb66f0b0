package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ResolutionMetrics holds the Prometheus metrics for identity resolution.
// A nil *ResolutionMetrics is valid and records nothing.
type ResolutionMetrics struct {
	// Batch runs
	RunsTotal          *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	RecordsTotal       *prometheus.CounterVec
	Confidence         *prometheus.HistogramVec
	SignalUnavailable  *prometheus.CounterVec

	// Graph mutations
	MutationsTotal *prometheus.CounterVec
	PendingMatches *prometheus.GaugeVec
}

// NewResolutionMetrics registers the metrics with reg.
func NewResolutionMetrics(reg prometheus.Registerer) *ResolutionMetrics {
	factory := promauto.With(reg)

	return &ResolutionMetrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canonid_resolution_runs_total",
				Help: "Resolution runs by final status",
			},
			[]string{"scope_id", "status"},
		),
		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canonid_resolution_run_seconds",
				Help:    "Wall time of resolution runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"scope_id"},
		),
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canonid_resolution_records_total",
				Help: "Source records processed by outcome",
			},
			[]string{"kind", "outcome"},
		),
		Confidence: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canonid_resolution_confidence",
				Help:    "Confidence of the best candidate per record",
				Buckets: []float64{0.1, 0.25, 0.4, 0.5, 0.6, 0.75, 0.85, 0.9, 0.95, 1},
			},
			[]string{"kind"},
		),
		SignalUnavailable: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canonid_stats_signal_unavailable_total",
				Help: "Statistics lookups degraded to unavailable",
			},
			[]string{"kind"},
		),
		MutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canonid_graph_mutations_total",
				Help: "Structural mutations by action and result",
			},
			[]string{"action", "result"},
		),
		PendingMatches: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "canonid_pending_matches",
				Help: "Identity matches awaiting review as of the last run",
			},
			[]string{"scope_id"},
		),
	}
}

// RecordRun records a finished run.
func (m *ResolutionMetrics) RecordRun(scopeID, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(scopeID, status).Inc()
	m.RunDurationSeconds.WithLabelValues(scopeID).Observe(seconds)
}

// RecordOutcome records the outcome of one source record.
func (m *ResolutionMetrics) RecordOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordConfidence records the best-candidate confidence for a record.
func (m *ResolutionMetrics) RecordConfidence(kind string, confidence float64) {
	if m == nil {
		return
	}
	m.Confidence.WithLabelValues(kind).Observe(confidence)
}

// RecordSignalUnavailable counts a degraded statistics lookup.
func (m *ResolutionMetrics) RecordSignalUnavailable(kind string) {
	if m == nil {
		return
	}
	m.SignalUnavailable.WithLabelValues(kind).Inc()
}

// RecordMutation counts a merge, split, approve, reject or rollback.
func (m *ResolutionMetrics) RecordMutation(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MutationsTotal.WithLabelValues(action, result).Inc()
}

// SetPendingMatches sets the review queue depth for a scope.
func (m *ResolutionMetrics) SetPendingMatches(scopeID string, n int) {
	if m == nil {
		return
	}
	m.PendingMatches.WithLabelValues(scopeID).Set(float64(n))
}
