package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsCreated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_created_total", Help: "Work items created from the rotation pool"})
	Transitions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_transitions_total", Help: "Applied stage transitions by target stage"}, []string{"stage"})
	StaleTransitions = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_stale_transitions_total", Help: "Transitions rejected by optimistic concurrency"})
	CallbacksTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_callbacks_total", Help: "Inbound vendor callbacks by outcome"}, []string{"vendor", "outcome"})
	StageStarts      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_stage_starts_total", Help: "External job starts by step and result"}, []string{"step", "result"})
	DeadLetters      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_dead_letters_total", Help: "DLQ records by kind"}, []string{"kind"})
	RotationResets   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rotation_resets_total", Help: "Rotation cycles restarted"})
	ReconcileActions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_reconcile_actions_total", Help: "Reconciliation sweep actions"}, []string{"action"})
	AdvanceRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_advance_rate_limited_total", Help: "Advance triggers rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_task_queue_depth", Help: "Ready start tasks"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_tasks_inflight", Help: "Start tasks currently leased"})
)

// Register adds the pipeline collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsCreated,
			Transitions,
			StaleTransitions,
			CallbacksTotal,
			StageStarts,
			DeadLetters,
			RotationResets,
			ReconcileActions,
			AdvanceRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
