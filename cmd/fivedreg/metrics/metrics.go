// Package metrics provides Prometheus instrumentation for fivedreg.
//
// Metrics exposed:
//   - fivedreg_training_jobs_total: Counter of finished training jobs by status
//   - fivedreg_training_duration_seconds: Histogram of training job duration
//   - fivedreg_training_epoch_loss: Gauge of the latest epoch's training loss
//   - fivedreg_training_in_progress: Gauge set to 1 while a job runs
//   - fivedreg_predictions_total: Counter of predictions by outcome
//   - fivedreg_predict_seconds: Histogram of prediction latency
//   - fivedreg_model_loaded: Gauge set to 1 while a model is published
//   - fivedreg_errors_total: Counter of errors by component and reason
//
// Metrics implements both training.Observer and serving.Observer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/fivedreg/pkg/serving"
	"github.com/HatiCode/fivedreg/pkg/storage"
	"github.com/HatiCode/fivedreg/pkg/training"
)

var (
	_ training.Observer = (*Metrics)(nil)
	_ serving.Observer  = (*Metrics)(nil)
)

// Metrics holds all Prometheus metrics for fivedreg.
type Metrics struct {
	TrainingJobsTotal       *prometheus.CounterVec
	TrainingDurationSeconds prometheus.Histogram
	TrainingEpochLoss       prometheus.Gauge
	TrainingInProgress      prometheus.Gauge
	PredictionsTotal        *prometheus.CounterVec
	PredictSeconds          prometheus.Histogram
	ModelLoaded             prometheus.Gauge
	ErrorsTotal             *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TrainingJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fivedreg_training_jobs_total",
			Help: "Total number of finished training jobs by terminal status",
		}, []string{"status"}),

		TrainingDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fivedreg_training_duration_seconds",
			Help:    "Wall time of training jobs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),

		TrainingEpochLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fivedreg_training_epoch_loss",
			Help: "Training loss of the most recently completed epoch",
		}),

		TrainingInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fivedreg_training_in_progress",
			Help: "1 while a training job is running",
		}),

		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fivedreg_predictions_total",
			Help: "Total number of predictions by outcome",
		}, []string{"outcome"}),

		PredictSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fivedreg_predict_seconds",
			Help:    "Time spent serving a prediction, scaler reload included",
			Buckets: prometheus.DefBuckets,
		}),

		ModelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fivedreg_model_loaded",
			Help: "1 while a trained model is published for serving",
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fivedreg_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// JobStarted marks a training job as running.
func (m *Metrics) JobStarted() {
	m.TrainingInProgress.Set(1)
}

// EpochCompleted records the loss of a finished epoch.
func (m *Metrics) EpochCompleted(_ int, loss float64) {
	m.TrainingEpochLoss.Set(loss)
}

// JobFinished records a terminal training job.
func (m *Metrics) JobFinished(status storage.JobStatus, duration time.Duration) {
	m.TrainingInProgress.Set(0)
	m.TrainingJobsTotal.WithLabelValues(string(status)).Inc()
	m.TrainingDurationSeconds.Observe(duration.Seconds())
	if status == storage.StatusFailed {
		m.RecordError("training", "job_failed")
	}
}

// ObservePrediction records a prediction and its latency.
func (m *Metrics) ObservePrediction(outcome string, duration time.Duration) {
	m.PredictionsTotal.WithLabelValues(outcome).Inc()
	m.PredictSeconds.Observe(duration.Seconds())
	if outcome == serving.OutcomeError {
		m.RecordError("serving", "predict_failed")
	}
}

// SetModelLoaded tracks whether a model is published.
func (m *Metrics) SetModelLoaded(loaded bool) {
	if loaded {
		m.ModelLoaded.Set(1)
		return
	}
	m.ModelLoaded.Set(0)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
