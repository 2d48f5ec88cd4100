// Package metrics records pipeline observability counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driveconv/driveconv/internal/model"
)

// Recorder records pipeline metrics.
type Recorder interface {
	// FileProcessed records one per-file stage outcome.
	FileProcessed(op model.StageOp, success bool)
	// UploadRangeRetried records one retried upload byte range.
	UploadRangeRetried()
	// TaskFinished records one finished task with its total duration.
	TaskFinished(phase model.Phase, seconds float64)
}

// Noop is a recorder that discards all measurements.
var Noop Recorder = noop(0)

type noop int

func (noop) FileProcessed(model.StageOp, bool) {}
func (noop) UploadRangeRetried()               {}
func (noop) TaskFinished(model.Phase, float64) {}

// Prometheus implements Recorder on a prometheus registry.
type Prometheus struct {
	filesProcessed *prometheus.CounterVec
	rangeRetries   prometheus.Counter
	taskDuration   *prometheus.HistogramVec
}

// NewPrometheus creates a Recorder registered on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)

	return &Prometheus{
		filesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driveconv",
			Name:      "pipeline_files_processed_total",
			Help:      "Per-file stage outcomes.",
		}, []string{"stage", "outcome"}),
		rangeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driveconv",
			Name:      "upload_range_retries_total",
			Help:      "Upload byte ranges that needed a retry.",
		}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "driveconv",
			Name:      "task_duration_seconds",
			Help:      "End-to-end task duration.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"phase"}),
	}
}

func (p *Prometheus) FileProcessed(op model.StageOp, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.filesProcessed.WithLabelValues(string(op), outcome).Inc()
}

func (p *Prometheus) UploadRangeRetried() {
	p.rangeRetries.Inc()
}

func (p *Prometheus) TaskFinished(phase model.Phase, seconds float64) {
	p.taskDuration.WithLabelValues(string(phase)).Observe(seconds)
}
