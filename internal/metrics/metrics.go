// Package metrics provides the Prometheus collectors for the staging
// pipeline, the execution matrix, and the checkpoint/restore layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the fabric registers.
type Metrics struct {
	SnippetsQueuedTotal      *prometheus.CounterVec
	SpeculationsTotal        *prometheus.CounterVec
	SpeculationDuration      prometheus.Histogram
	PromotionsTotal          prometheus.Counter
	RejectionsTotal          prometheus.Counter
	RollbacksTotal           prometheus.Counter

	MatrixCommittedSlots *prometheus.GaugeVec
	MatrixDirtySlots     prometheus.Gauge
	ExecutionsTotal      *prometheus.CounterVec

	TokensMintedTotal  prometheus.Counter
	TokensExpiredTotal prometheus.Counter

	CheckpointWritesTotal prometheus.Counter
	CheckpointDuration    prometheus.Histogram
	CheckpointFailures    prometheus.Counter
}

// New constructs and registers every collector against registerer. Pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SnippetsQueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execfabric_snippets_queued_total",
			Help: "Total number of snippets admitted to the staging pipeline.",
		}, []string{"language"}),
		SpeculationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execfabric_speculations_total",
			Help: "Total number of speculative executions, by outcome.",
		}, []string{"language", "outcome"}),
		SpeculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execfabric_speculation_duration_seconds",
			Help:    "Speculative execution duration in seconds.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		PromotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execfabric_promotions_total",
			Help: "Total number of snippets promoted into the execution matrix.",
		}),
		RejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execfabric_rejections_total",
			Help: "Total number of snippets rejected before promotion.",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execfabric_rollbacks_total",
			Help: "Total number of promoted snippets rolled back.",
		}),
		MatrixCommittedSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "execfabric_matrix_committed_slots",
			Help: "Committed slots per engine row.",
		}, []string{"engine"}),
		MatrixDirtySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execfabric_matrix_dirty_slots",
			Help: "Slots whose committed version lags the ledger's current version.",
		}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execfabric_executions_total",
			Help: "Total number of recorded slot executions, by outcome.",
		}, []string{"engine", "outcome"}),
		TokensMintedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execfabric_tokens_minted_total",
			Help: "Total number of marshal tokens minted.",
		}),
		TokensExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execfabric_tokens_expired_total",
			Help: "Total number of marshal tokens garbage collected past twice their TTL.",
		}),
		CheckpointWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execfabric_checkpoint_writes_total",
			Help: "Total number of checkpoint files written.",
		}),
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execfabric_checkpoint_duration_seconds",
			Help:    "Checkpoint write duration in seconds.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		}),
		CheckpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execfabric_checkpoint_failures_total",
			Help: "Total number of checkpoint writes that failed.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.SnippetsQueuedTotal,
			m.SpeculationsTotal,
			m.SpeculationDuration,
			m.PromotionsTotal,
			m.RejectionsTotal,
			m.RollbacksTotal,
			m.MatrixCommittedSlots,
			m.MatrixDirtySlots,
			m.ExecutionsTotal,
			m.TokensMintedTotal,
			m.TokensExpiredTotal,
			m.CheckpointWritesTotal,
			m.CheckpointDuration,
			m.CheckpointFailures,
		)
	}
	return m
}

// RecordSpeculation records a speculative execution's outcome and elapsed
// time.
func (m *Metrics) RecordSpeculation(language string, success bool, elapsed time.Duration) {
	outcome := "failed"
	if success {
		outcome = "passed"
	}
	m.SpeculationsTotal.WithLabelValues(language, outcome).Inc()
	m.SpeculationDuration.Observe(elapsed.Seconds())
}

// RecordExecution records a slot execution's outcome.
func (m *Metrics) RecordExecution(engine string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.ExecutionsTotal.WithLabelValues(engine, outcome).Inc()
}

// RecordCheckpoint records a checkpoint write's duration and result.
func (m *Metrics) RecordCheckpoint(elapsed time.Duration, err error) {
	m.CheckpointWritesTotal.Inc()
	m.CheckpointDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.CheckpointFailures.Inc()
	}
}
