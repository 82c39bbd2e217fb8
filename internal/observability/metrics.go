// Package observability provides Prometheus metrics for generation and
// ingestion runs. Every method is safe to call on a nil *Metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jobmatch/eventgen/pkg/types"
)

// Metrics holds all Prometheus metrics of one process.
type Metrics struct {
	registry *prometheus.Registry

	// Generation metrics
	EventsGenerated *prometheus.CounterVec

	// Ingestion metrics
	RowsLoaded     *prometheus.CounterVec
	RowsInserted   *prometheus.CounterVec
	RowErrors      *prometheus.CounterVec
	StagedBytes    prometheus.Counter
	LoadJobSeconds *prometheus.HistogramVec
	Retries        *prometheus.CounterVec
	Runs           *prometheus.CounterVec
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgen_events_generated_total",
				Help: "Total number of synthesized events",
			},
			[]string{"event_name"},
		),

		RowsLoaded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgen_rows_loaded_total",
				Help: "Rows committed by bulk load jobs",
			},
			[]string{"table"},
		),
		RowsInserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgen_rows_inserted_total",
				Help: "Rows accepted by streaming inserts",
			},
			[]string{"table"},
		),
		RowErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgen_row_errors_total",
				Help: "Rows rejected by streaming inserts",
			},
			[]string{"table"},
		),
		StagedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "eventgen_staged_bytes_total",
			Help: "Bytes of record files uploaded to staging",
		}),
		LoadJobSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventgen_load_job_duration_seconds",
				Help:    "Time from load job submission to terminal state",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgen_retries_total",
				Help: "Retried submission steps",
			},
			[]string{"step"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgen_ingest_runs_total",
				Help: "Ingestion runs by sink and outcome",
			},
			[]string{"sink", "outcome"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveBatch counts the events of a generated batch by name.
func (m *Metrics) ObserveBatch(b types.Batch) {
	if m == nil {
		return
	}
	for name, n := range b.CountByName() {
		m.EventsGenerated.WithLabelValues(string(name)).Add(float64(n))
	}
}

// AddRowsLoaded records rows committed by a load job.
func (m *Metrics) AddRowsLoaded(table string, n int64) {
	if m == nil {
		return
	}
	m.RowsLoaded.WithLabelValues(table).Add(float64(n))
}

// AddInsertOutcome records the accepted and rejected rows of an insert call.
func (m *Metrics) AddInsertOutcome(table string, inserted, rejected int) {
	if m == nil {
		return
	}
	m.RowsInserted.WithLabelValues(table).Add(float64(inserted))
	m.RowErrors.WithLabelValues(table).Add(float64(rejected))
}

// AddStagedBytes records an upload to staging.
func (m *Metrics) AddStagedBytes(n int64) {
	if m == nil {
		return
	}
	m.StagedBytes.Add(float64(n))
}

// ObserveLoadJob records how long a load job took to settle.
func (m *Metrics) ObserveLoadJob(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.LoadJobSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncRetry records one retry of a submission step.
func (m *Metrics) IncRetry(step string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(step).Inc()
}

// IncRun records the outcome of one ingestion run.
func (m *Metrics) IncRun(sink, outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(sink, outcome).Inc()
}

// WriteTextfile writes every metric to path in the text exposition format,
// for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
