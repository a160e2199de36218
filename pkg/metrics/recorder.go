// Package metrics provides Prometheus recording for run and model
// activity, plus a query service for aggregating per-run usage.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exports run and model metrics through Prometheus.
type Recorder struct {
	iterationsTotal   *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	loopScore         *prometheus.HistogramVec
	modelRequests     *prometheus.CounterVec
	modelTokens       *prometheus.CounterVec
	modelDuration     *prometheus.HistogramVec
	runsTotal         *prometheus.CounterVec
	runCost           *prometheus.CounterVec
}

// NewRecorder creates a recorder registered on the default registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith creates a recorder on an explicit registry. Tests use a
// fresh registry so repeated construction never double-registers.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		iterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_iterations_total",
				Help: "Total iterations executed by run and decision",
			},
			[]string{"run_id", "decision"},
		),
		iterationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_iteration_duration_seconds",
				Help:    "Duration of one full iteration",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"run_id"},
		),
		loopScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_loop_score",
				Help:    "Gutter loop score per iteration",
				Buckets: []float64{0.1, 0.2, 0.3, 0.5, 0.7, 0.8, 1.0},
			},
			[]string{"run_id"},
		),
		modelRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_model_requests_total",
				Help: "Total model completion requests by model",
			},
			[]string{"model"},
		),
		modelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_model_tokens_total",
				Help: "Total tokens by run, model, and type",
			},
			[]string{"run_id", "model", "type"},
		),
		modelDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_model_request_duration_seconds",
				Help:    "Duration of model completion requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_runs_total",
				Help: "Terminal run outcomes",
			},
			[]string{"state"},
		),
		runCost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_run_cost_usd_total",
				Help: "Cumulative estimated model cost by run",
			},
			[]string{"run_id"},
		),
	}
}

// ObserveIteration records one completed iteration.
func (r *Recorder) ObserveIteration(runID, decision string, duration time.Duration) {
	r.iterationsTotal.WithLabelValues(runID, decision).Inc()
	r.iterationDuration.WithLabelValues(runID).Observe(duration.Seconds())
}

// ObserveLoopScore records a gutter score observation.
func (r *Recorder) ObserveLoopScore(runID string, score float64) {
	r.loopScore.WithLabelValues(runID).Observe(score)
}

// ObserveModelCall records one model completion request on behalf of a run.
func (r *Recorder) ObserveModelCall(runID, model string, promptTokens, outputTokens int, duration time.Duration) {
	r.modelRequests.WithLabelValues(model).Inc()
	r.modelTokens.WithLabelValues(runID, model, "prompt").Add(float64(promptTokens))
	r.modelTokens.WithLabelValues(runID, model, "completion").Add(float64(outputTokens))
	r.modelDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveRunFinished records a terminal run outcome and its total cost.
func (r *Recorder) ObserveRunFinished(runID, terminalState string, costUSD float64) {
	r.runsTotal.WithLabelValues(terminalState).Inc()
	r.runCost.WithLabelValues(runID).Add(costUSD)
}
