// Package metrics exposes Prometheus collectors for reconciliation runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Undo statement outcomes.
const (
	UndoRecorded = "recorded"
	UndoConflict = "conflict"
	UndoFailed   = "failed"
)

// Identifier reclaim targets.
const (
	ReclaimAllocator = "allocator"
	ReclaimCounter   = "counter"
)

// Metrics tracks what a reconciliation run did. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RecordsIngested    *prometheus.CounterVec
	IdentitiesComputed prometheus.Counter
	VerticesMerged     *prometheus.CounterVec
	EdgesCollapsed     prometheus.Counter
	UndoStatements     *prometheus.CounterVec
	IDsReclaimed       *prometheus.CounterVec
	RunDuration        prometheus.Histogram
}

// New registers the collectors with reg. Use prometheus.NewRegistry in
// tests to keep runs independent.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rowmerge_records_ingested_total",
			Help: "Records read from input files and the target store",
		}, []string{"type"}),
		IdentitiesComputed: f.NewCounter(prometheus.CounterOpts{
			Name: "rowmerge_identities_computed_total",
			Help: "Record identities computed",
		}),
		VerticesMerged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rowmerge_vertices_merged_total",
			Help: "Duplicate vertices folded into a surviving vertex",
		}, []string{"type"}),
		EdgesCollapsed: f.NewCounter(prometheus.CounterOpts{
			Name: "rowmerge_edges_collapsed_total",
			Help: "Relationships the surviving vertex already had when a duplicate was merged",
		}),
		UndoStatements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rowmerge_undo_statements_total",
			Help: "Undo statements by outcome",
		}, []string{"result"}),
		IDsReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rowmerge_ids_reclaimed_total",
			Help: "Undo identifiers handed back after a unique-key conflict",
		}, []string{"target"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rowmerge_run_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}
}

// AddRecords counts ingested records of one type.
func (m *Metrics) AddRecords(rtype string, n int) {
	if m == nil {
		return
	}
	m.RecordsIngested.WithLabelValues(rtype).Add(float64(n))
}

// AddIdentities counts computed identities.
func (m *Metrics) AddIdentities(n int) {
	if m == nil {
		return
	}
	m.IdentitiesComputed.Add(float64(n))
}

// AddMerge records one merged vertex and the edges it collapsed.
func (m *Metrics) AddMerge(rtype string, collapsed int) {
	if m == nil {
		return
	}
	m.VerticesMerged.WithLabelValues(rtype).Inc()
	m.EdgesCollapsed.Add(float64(collapsed))
}

// Undo records the outcome of one undo statement.
func (m *Metrics) Undo(result string) {
	if m == nil {
		return
	}
	m.UndoStatements.WithLabelValues(result).Inc()
}

// Reclaimed records an identifier handed back to target.
func (m *Metrics) Reclaimed(target string) {
	if m == nil {
		return
	}
	m.IDsReclaimed.WithLabelValues(target).Inc()
}

// ObserveRun records the duration of a run started at start.
func (m *Metrics) ObserveRun(start time.Time) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(time.Since(start).Seconds())
}
